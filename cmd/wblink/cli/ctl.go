package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/frobware/go-wblink/control"
)

// CtlCmd talks to the control socket of a running link.
type CtlCmd struct {
	Socket  string        `help:"Control socket (default from config, then the runtime directory)."`
	Timeout time.Duration `help:"Request timeout." default:"5s"`

	Get    CtlGetCmd    `cmd:"" help:"Show the transmit parameters."`
	Set    CtlSetCmd    `cmd:"" help:"Change transmit parameters."`
	Stats  CtlStatsCmd  `cmd:"" help:"Show link statistics."`
	Rotate CtlRotateCmd `cmd:"" help:"Rotate the transmit session key."`
}

// dial connects to the control socket and returns a context bounded by
// --timeout.
func (c *CtlCmd) dial(cli *CLI) (*control.Client, context.Context, context.CancelFunc, error) {
	path := c.Socket
	if path == "" {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return nil, nil, nil, err
		}
		path = cfg.Control.Socket
	}
	if path == "" || path == runtimeDefault {
		dirs, err := cli.RuntimeDirs()
		if err != nil {
			return nil, nil, nil, err
		}
		path = dirs.SocketPath()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	client, err := control.Dial(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	return client, ctx, cancel, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// CtlGetCmd prints the transmit parameters.
type CtlGetCmd struct{}

// Run executes ctl get.
func (g *CtlGetCmd) Run(cli *CLI, ctl *CtlCmd) error {
	client, ctx, cancel, err := ctl.dial(cli)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()
	p, err := client.GetRadiotap(ctx)
	if err != nil {
		return err
	}
	return printJSON(p)
}

// CtlSetCmd updates the named transmit parameters.
type CtlSetCmd struct {
	Fields []KeyValue `arg:"" name:"field" help:"FIELD=VALUE, e.g. mcs_index=5 or ldpc=true."`
}

// Run executes ctl set.
func (s *CtlSetCmd) Run(cli *CLI, ctl *CtlCmd) error {
	client, ctx, cancel, err := ctl.dial(cli)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()
	p, err := client.SetRadiotap(ctx, Fields(s.Fields))
	if err != nil {
		return err
	}
	return printJSON(p)
}

// CtlStatsCmd prints link statistics.
type CtlStatsCmd struct{}

// Run executes ctl stats.
func (s *CtlStatsCmd) Run(cli *CLI, ctl *CtlCmd) error {
	client, ctx, cancel, err := ctl.dial(cli)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()
	st, err := client.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

// CtlRotateCmd rotates the transmit session key.
type CtlRotateCmd struct{}

// Run executes ctl rotate.
func (r *CtlRotateCmd) Run(cli *CLI, ctl *CtlCmd) error {
	client, ctx, cancel, err := ctl.dial(cli)
	if err != nil {
		return err
	}
	defer cancel()
	defer client.Close()
	return client.RotateKey(ctx)
}
