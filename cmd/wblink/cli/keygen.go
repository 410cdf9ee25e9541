package cli

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/keys"
	"github.com/frobware/go-wblink/lock"
)

// KeygenCmd writes the keypair file shared by both ends of a link.
type KeygenCmd struct {
	Output     string `short:"o" help:"Keypair file to write (default from config)."`
	BindPhrase string `name:"bind-phrase" help:"Derive the keypair from this phrase." env:"WBLINK_BIND_PHRASE"`
	Random     bool   `help:"Generate a random keypair instead of deriving one."`
	Force      bool   `help:"Overwrite an existing keypair file."`
}

// Run executes the keygen command.
func (c *KeygenCmd) Run(cli *CLI) error {
	logger, err := cli.Logger()
	if err != nil {
		return err
	}
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	path := c.Output
	if path == "" {
		path = cfg.Keys.KeypairFile
	}
	if c.Random && c.BindPhrase != "" {
		return &wblink.ConfigError{Field: "bind-phrase", Reason: "cannot be combined with --random"}
	}
	phrase := c.BindPhrase
	if phrase == "" {
		phrase = cfg.Keys.BindPhrase
	}
	if phrase == "" {
		phrase = keys.DefaultBindPhrase
	}

	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dirs.Base(), 0o755); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Two concurrent keygens must not interleave the check and write.
	return lock.Run(ctx, dirs.KeygenLock(), func(ctx context.Context) error {
		if !c.Force {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s exists; use --force to replace it", path)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
		var kp keys.KeyPair
		if c.Random {
			kp, err = keys.Generate(rand.Reader)
		} else {
			kp, err = keys.GenerateFromBindPhrase(phrase)
		}
		if err != nil {
			return &wblink.FatalError{Reason: "generate keypair", Err: err}
		}
		if err := keys.Save(path, kp); err != nil {
			return fmt.Errorf("write keypair: %w", err)
		}
		logger.Info("keypair written", "path", path, "random", c.Random)
		fmt.Fprintf(os.Stdout, "wrote %s\n", path)
		return nil
	})
}
