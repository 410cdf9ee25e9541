package card

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/lock"
)

// CommandRunner runs an external tool and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Takeover switches cards into monitor mode on a channel and back.
// nl80211 mode changes go through iw; link state goes through
// netlink.
type Takeover struct {
	// LockDir holds the per-card ownership locks.
	LockDir string
	// FreqMHz and BandwidthMHz select the channel.
	FreqMHz      int
	BandwidthMHz int

	Run       CommandRunner
	SetLinkUp func(name string, up bool) error

	logger *slog.Logger
}

// NewTakeover returns a Takeover using iw and netlink.
func NewTakeover(lockDir string, freqMHz, bandwidthMHz int, logger *slog.Logger) *Takeover {
	return &Takeover{
		LockDir:      lockDir,
		FreqMHz:      freqMHz,
		BandwidthMHz: bandwidthMHz,
		Run:          execRunner,
		SetLinkUp:    setLinkUp,
		logger:       logger.With("component", "takeover"),
	}
}

// Owned is a card held in monitor mode by this process.
type Owned struct {
	Card wblink.WifiCard

	t    *Takeover
	held *lock.Held
}

// Acquire locks c against other processes and puts it into monitor
// mode on the configured channel.
func (t *Takeover) Acquire(ctx context.Context, c wblink.WifiCard) (*Owned, error) {
	held, err := lock.TryAcquire(lock.CardPath(t.LockDir, c.DeviceName))
	if err != nil {
		return nil, &wblink.ConfigError{Field: "card", Value: c.DeviceName, Reason: err.Error()}
	}
	logger := t.logger.With("card", c.DeviceName)

	steps := []func() error{
		func() error { return t.SetLinkUp(c.DeviceName, false) },
		func() error { return t.iw(ctx, "dev", c.DeviceName, "set", "monitor", "otherbss") },
		func() error { return t.SetLinkUp(c.DeviceName, true) },
		func() error { return t.iw(ctx, append([]string{"dev", c.DeviceName, "set", "freq"}, freqArgs(t.FreqMHz, t.BandwidthMHz)...)...) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			held.Release()
			return nil, &wblink.FatalError{Reason: "monitor mode takeover of " + c.DeviceName, Err: err}
		}
	}
	logger.Info("card in monitor mode", "freq", t.FreqMHz, "bw", t.BandwidthMHz)
	return &Owned{Card: c, t: t, held: held}, nil
}

// AcquireAll takes over every card, releasing those already taken if
// one fails.
func (t *Takeover) AcquireAll(ctx context.Context, cards []wblink.WifiCard) ([]*Owned, error) {
	var owned []*Owned
	for _, c := range cards {
		o, err := t.Acquire(ctx, c)
		if err != nil {
			_ = GiveBackAll(ctx, owned)
			return nil, err
		}
		owned = append(owned, o)
	}
	return owned, nil
}

// GiveBack returns the card to managed mode and releases the lock.
func (o *Owned) GiveBack(ctx context.Context) error {
	if o.held == nil {
		return nil
	}
	defer func() {
		o.held.Release()
		o.held = nil
	}()
	name := o.Card.DeviceName
	return errors.Join(
		o.t.SetLinkUp(name, false),
		o.t.iw(ctx, "dev", name, "set", "type", "managed"),
		o.t.SetLinkUp(name, true),
	)
}

// GiveBackAll gives back every card.
func GiveBackAll(ctx context.Context, owned []*Owned) error {
	var errs []error
	for _, o := range owned {
		if err := o.GiveBack(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Card.DeviceName, err))
		}
	}
	return errors.Join(errs...)
}

func (t *Takeover) iw(ctx context.Context, args ...string) error {
	out, err := t.Run(ctx, "iw", args...)
	if err != nil {
		return fmt.Errorf("iw %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// freqArgs renders the iw "set freq" arguments. 40 MHz channels use
// the secondary channel above the primary.
func freqArgs(freqMHz, bwMHz int) []string {
	args := []string{strconv.Itoa(freqMHz)}
	if bwMHz == 40 {
		args = append(args, "HT40+")
	}
	return args
}
