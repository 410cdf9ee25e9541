package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/card"
	"github.com/frobware/go-wblink/config"
	"github.com/frobware/go-wblink/control"
	"github.com/frobware/go-wblink/keys"
	"github.com/frobware/go-wblink/lifecycle"
	"github.com/frobware/go-wblink/link"
	"github.com/frobware/go-wblink/radiotap"
	"github.com/frobware/go-wblink/stats/sqlite"
)

// runtimeDefault selects the runtime directory default for path flags.
const runtimeDefault = "-"

// LinkFlags are shared by the commands that run a link. Zero values
// leave the config file setting in place.
type LinkFlags struct {
	Emulate       bool     `help:"Run on an in-process emulated medium against a local peer."`
	EmulateLoss   float64  `name:"emulate-loss" help:"Receive loss rate of the emulated medium." default:"0"`
	Freq          int      `help:"Channel frequency in MHz."`
	BW            int      `name:"bw" help:"Channel width in MHz (20 or 40)."`
	MCS           int      `help:"MCS index." default:"-1"`
	Card          []string `help:"Monitor-mode card to use (can be repeated)."`
	Hotspot       string   `help:"Card to leave alone for a local access point."`
	Air           bool     `xor:"role" help:"Run as the air unit."`
	Gnd           bool     `xor:"role" help:"Run as the ground unit."`
	UnitID        uint32   `name:"unit-id" help:"Link unit id shared by both ends."`
	Diversity     string   `help:"Multi-card merge policy." enum:",first-arrival,lowest-error" default:""`
	KeyFile       string   `name:"key-file" help:"Keypair file."`
	BindPhrase    string   `name:"bind-phrase" help:"Bind phrase used when the keypair file is missing." env:"WBLINK_BIND_PHRASE"`
	ControlSocket string   `name:"control-socket" help:"Serve the control API on this unix socket ('-' for the runtime default)."`
	StatsDB       string   `name:"stats-db" help:"Record link statistics to this SQLite database ('-' for the runtime default)."`
}

// apply overlays the flags onto cfg. fallback is the role used when
// neither --air nor --gnd is given.
func (f LinkFlags) apply(cfg *config.Config, fallback wblink.Role) {
	l := &cfg.Link
	switch {
	case f.Air:
		l.Role = wblink.RoleAir.String()
	case f.Gnd:
		l.Role = wblink.RoleGround.String()
	case fallback != 0:
		l.Role = fallback.String()
	}
	if f.Freq != 0 {
		l.FreqMHz = f.Freq
	}
	if f.BW != 0 {
		l.BandwidthMHz = f.BW
	}
	if f.MCS >= 0 {
		l.MCS = f.MCS
	}
	if len(f.Card) > 0 {
		l.Cards = f.Card
	}
	if f.UnitID != 0 {
		l.UnitID = f.UnitID
	}
	if f.Diversity != "" {
		l.Diversity = f.Diversity
	}
	if f.KeyFile != "" {
		cfg.Keys.KeypairFile = f.KeyFile
	}
	if f.BindPhrase != "" {
		cfg.Keys.BindPhrase = f.BindPhrase
	}
	if f.ControlSocket != "" {
		cfg.Control.Socket = f.ControlSocket
	}
	if f.StatsDB != "" {
		cfg.Stats.DB = f.StatsDB
	}
}

// linkSession is a running link and everything hanging off it. Engine
// is nil when no monitor-mode card was found; the control plane still
// runs in that case.
type linkSession struct {
	Engine *link.Engine
	Logger *slog.Logger
	Config config.Config

	lc       *lifecycle.Coordinator
	ctx      context.Context
	cancel   context.CancelFunc
	peer     *link.Engine
	owned    []*card.Owned
	recorder *sqlite.Recorder
	bg       sync.WaitGroup

	mu       sync.Mutex
	teardown []func(context.Context) error
}

// startLink builds and starts a link from the config file and f.
func (c *CLI) startLink(parent context.Context, f LinkFlags, fallback wblink.Role) (*linkSession, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	f.apply(&cfg, fallback)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := c.LoggerFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	dirs, err := c.RuntimeDirs()
	if err != nil {
		return nil, err
	}
	needDirs := !f.Emulate || cfg.Control.Socket == runtimeDefault || cfg.Stats.DB == runtimeDefault
	if needDirs {
		if err := dirs.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("runtime directories: %w", err)
		}
	}

	opts := cfg.Link.LinkOptions()
	role := opts.Role()
	kp, err := loadKeyPair(cfg.Keys, f.Emulate && f.KeyFile == "", logger)
	if err != nil {
		return nil, &wblink.FatalError{Reason: "keypair", Err: err}
	}

	s := &linkSession{Logger: logger, Config: cfg, lc: lifecycle.New()}
	s.ctx, s.cancel = s.lc.Context(parent)

	var cards []card.Card
	var infos []wblink.WifiCard
	if f.Emulate {
		medium := card.NewMedium(card.MediumOptions{
			LossRate: f.EmulateLoss,
			Seed:     time.Now().UnixNano(),
			FreqMHz:  uint16(cfg.Link.FreqMHz),
		})
		local := medium.Attach("emu0")
		cards, infos = []card.Card{local}, []wblink.WifiCard{local.Info()}
		if s.peer, err = startPeer(medium, kp, opts, cfg.Link.RadiotapParams(), s.lc, logger); err != nil {
			s.cancel()
			return nil, err
		}
	} else {
		found, err := card.NewDiscoverer(logger).Discover(card.Selection{Names: cfg.Link.Cards, HotspotName: f.Hotspot})
		switch {
		case errors.Is(err, card.ErrNoCards):
			logger.Warn("no monitor-mode card found, running without a link")
		case err != nil:
			s.cancel()
			return nil, err
		default:
			takeover := card.NewTakeover(dirs.Locks(), cfg.Link.FreqMHz, cfg.Link.BandwidthMHz, logger)
			if s.owned, err = takeover.AcquireAll(s.ctx, found.Cards); err != nil {
				s.cancel()
				return nil, err
			}
			for _, o := range s.owned {
				raw, err := card.OpenRaw(o.Card, opts.RawOptions(), logger)
				if err != nil {
					card.CloseAll(cards)
					_ = card.GiveBackAll(context.Background(), s.owned)
					s.cancel()
					return nil, &wblink.FatalError{Reason: "open " + o.Card.DeviceName, Err: err}
				}
				cards = append(cards, raw)
			}
			infos = found.Cards
		}
	}

	if len(cards) > 0 {
		if err := s.startEngine(cards, infos, opts, role, kp); err != nil {
			s.Close(context.Background(), "startup failed")
			return nil, err
		}
	}
	if err := s.startControl(dirs); err != nil {
		s.Close(context.Background(), "startup failed")
		return nil, err
	}
	if err := s.startRecorder(dirs); err != nil {
		s.Close(context.Background(), "startup failed")
		return nil, err
	}
	return s, nil
}

func loadKeyPair(kc config.KeysConfig, inMemory bool, logger *slog.Logger) (keys.KeyPair, error) {
	if inMemory {
		phrase := kc.BindPhrase
		if phrase == "" {
			phrase = keys.DefaultBindPhrase
		}
		return keys.GenerateFromBindPhrase(phrase)
	}
	kp, created, err := keys.LoadOrCreate(kc.KeypairFile, kc.BindPhrase)
	if err != nil {
		return keys.KeyPair{}, err
	}
	if created {
		logger.Info("keypair derived from bind phrase", "path", kc.KeypairFile)
	}
	return kp, nil
}

func (s *linkSession) startEngine(cards []card.Card, infos []wblink.WifiCard, opts link.Options, role wblink.Role, kp keys.KeyPair) error {
	km, err := keys.NewManager(kp, role, keys.Options{})
	if err != nil {
		card.CloseAll(cards)
		return &wblink.FatalError{Reason: "session keys", Err: err}
	}
	holder, err := radiotap.NewHolder(s.Config.Link.RadiotapParams(), radiotap.CapabilitiesFor(infos))
	if err != nil {
		card.CloseAll(cards)
		return err
	}
	e, err := link.New(cards, opts, holder, km, s.lc, s.Logger)
	if err != nil {
		card.CloseAll(cards)
		return err
	}
	s.Engine = e
	if err := e.StartReceiving(); err != nil {
		return err
	}
	s.Logger.Info("link running", "role", role.String(), "cards", wblink.CardsString(infos), "instance_id", e.ID())
	return nil
}

// startPeer runs the other end of an emulated link on medium.
func startPeer(medium *card.Medium, kp keys.KeyPair, opts link.Options, params radiotap.Params, lc *lifecycle.Coordinator, logger *slog.Logger) (*link.Engine, error) {
	role := opts.Role().Peer()
	opts.UseGndIdentifier = role == wblink.RoleGround
	opts.KernelFilter = false
	km, err := keys.NewManager(kp, role, keys.Options{})
	if err != nil {
		return nil, &wblink.FatalError{Reason: "session keys", Err: err}
	}
	holder, err := radiotap.NewHolder(params, radiotap.Capabilities{MaxMCS: 31, LDPC: true, STBC: true})
	if err != nil {
		return nil, err
	}
	peer, err := link.New([]card.Card{medium.Attach("emu-peer")}, opts, holder, km, lc, logger.With("peer", role.String()))
	if err != nil {
		return nil, err
	}
	if err := peer.StartReceiving(); err != nil {
		return nil, err
	}
	return peer, nil
}

func (s *linkSession) startControl(dirs config.RuntimeDirs) error {
	path := s.Config.Control.Socket
	if path == "" {
		return nil
	}
	if path == runtimeDefault {
		path = dirs.SocketPath()
	}
	var backend control.Backend
	if s.Engine != nil {
		backend = s.Engine
	}
	srv := control.NewServer(backend, s.lc.Callables, s.Logger)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := srv.Serve(s.ctx, path); err != nil {
			s.lc.RequestTerminate("control server: " + err.Error())
		}
	}()
	return nil
}

func (s *linkSession) startRecorder(dirs config.RuntimeDirs) error {
	path := s.Config.Stats.DB
	if path == "" || s.Engine == nil {
		return nil
	}
	if path == runtimeDefault {
		path = dirs.DBPath()
	}
	rec, err := sqlite.New(s.ctx, path, s.Logger)
	if err != nil {
		return fmt.Errorf("open stats database: %w", err)
	}
	s.recorder = rec
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := rec.Run(s.ctx, s.Engine.Stats, time.Duration(s.Config.Stats.Interval)); err != nil {
			s.Logger.Warn("stats recorder stopped", "error", err)
		}
	}()
	return nil
}

// Peer returns the emulated peer engine, or nil.
func (s *linkSession) Peer() *link.Engine { return s.peer }

// Context is cancelled when the session is asked to terminate.
func (s *linkSession) Context() context.Context { return s.ctx }

// OnTeardown registers fn to run before the link is stopped. Hooks
// run in reverse registration order.
func (s *linkSession) OnTeardown(fn func(context.Context) error) {
	s.mu.Lock()
	s.teardown = append(s.teardown, fn)
	s.mu.Unlock()
}

// Go runs fn in the background until the session is closed. A
// non-nil error from fn terminates the session.
func (s *linkSession) Go(name string, fn func(context.Context) error) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.lc.RequestTerminate(name + ": " + err.Error())
		}
	}()
}

// Terminate asks the session to stop.
func (s *linkSession) Terminate(reason string) { s.lc.RequestTerminate(reason) }

// Wait blocks until the session terminates and returns why.
func (s *linkSession) Wait() string {
	<-s.lc.Done()
	_, reason := s.lc.ShouldTerminate()
	return reason
}

// Close tears the session down in order: callables, stream hooks,
// engines and background work, then the cards.
func (s *linkSession) Close(ctx context.Context, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	plan := lifecycle.Plan{
		Grace: 50 * time.Millisecond,
		TeardownStreams: func(ctx context.Context) error {
			s.mu.Lock()
			hooks := s.teardown
			s.mu.Unlock()
			var errs []error
			for i := len(hooks) - 1; i >= 0; i-- {
				errs = append(errs, hooks[i](ctx))
			}
			return errors.Join(errs...)
		},
		StopLink: func(ctx context.Context) error {
			var errs []error
			for _, e := range []*link.Engine{s.Engine, s.peer} {
				if e != nil {
					errs = append(errs, e.StopReceiving())
				}
			}
			s.cancel()
			s.bg.Wait()
			if s.recorder != nil {
				errs = append(errs, s.recorder.Close())
			}
			return errors.Join(errs...)
		},
		ReleaseCards: func(ctx context.Context) error {
			return card.GiveBackAll(ctx, s.owned)
		},
	}
	return s.lc.Shutdown(ctx, reason, plan, s.Logger)
}

// run waits for ctx or an internal termination and closes the session.
func (s *linkSession) run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		s.Terminate("signal")
	case <-s.lc.Done():
	}
	reason := s.Wait()
	if err := s.Close(context.Background(), reason); err != nil {
		s.Logger.Warn("shutdown incomplete", "error", err)
	}
	switch reason {
	case "signal", "input closed", "done":
		return nil
	}
	return fmt.Errorf("link terminated: %s", reason)
}
