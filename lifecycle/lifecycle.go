// Package lifecycle coordinates process-wide termination and the
// ordered teardown of components.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Coordinator carries the shared terminate request. It is constructed
// once and passed to every component that observes shutdown.
type Coordinator struct {
	mu     sync.Mutex
	reason string
	done   chan struct{}

	Callables *Callables
}

// New returns a Coordinator with an empty callable registry.
func New() *Coordinator {
	return &Coordinator{
		done:      make(chan struct{}),
		Callables: NewCallables(),
	}
}

// RequestTerminate records reason and closes Done. Only the first
// reason is kept.
func (c *Coordinator) RequestTerminate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.reason = reason
	close(c.done)
}

// ShouldTerminate reports whether termination was requested, and why.
func (c *Coordinator) ShouldTerminate() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return true, c.reason
	default:
		return false, ""
	}
}

// Done is closed when termination is requested.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Context returns a context cancelled when termination is requested or
// parent is done.
func (c *Coordinator) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ErrDisabled is returned by Call after DisableAll.
var ErrDisabled = errors.New("callables disabled")

// Callables is a registry of named cross-component entry points. Once
// disabled, no registered function is invoked again, and DisableAll
// waits for calls already running to return. Registered functions must
// not call back into the registry.
type Callables struct {
	mu       sync.RWMutex
	fns      map[string]func(args any) (any, error)
	disabled bool
}

// NewCallables returns an empty registry.
func NewCallables() *Callables {
	return &Callables{fns: make(map[string]func(any) (any, error))}
}

// Register adds or replaces fn under name.
func (c *Callables) Register(name string, fn func(args any) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns[name] = fn
}

// Call invokes the function registered under name.
func (c *Callables) Call(name string, args any) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disabled {
		return nil, ErrDisabled
	}
	fn, ok := c.fns[name]
	if !ok {
		return nil, fmt.Errorf("no callable %q", name)
	}
	return fn(args)
}

// DisableAll stops further calls and waits for running ones.
func (c *Callables) DisableAll() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
}

// Disabled reports whether DisableAll was called.
func (c *Callables) Disabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disabled
}

// Plan is the ordered teardown of a running process.
type Plan struct {
	// Grace is the pause between disabling callables and tearing down
	// streams, letting in-flight work drain.
	Grace time.Duration
	// TeardownStreams stops the stream layers above the link.
	TeardownStreams func(ctx context.Context) error
	// StopLink stops the link engine's goroutines.
	StopLink func(ctx context.Context) error
	// ReleaseCards hands the radios back to the operating system.
	ReleaseCards func(ctx context.Context) error
}

// Shutdown requests termination and runs p in order: disable
// callables, wait Grace, tear down streams, stop the link, release
// cards. Every step runs even if an earlier one failed; the errors are
// joined.
func (c *Coordinator) Shutdown(ctx context.Context, reason string, p Plan, logger *slog.Logger) error {
	logger = logger.With("component", "lifecycle")
	c.RequestTerminate(reason)

	c.Callables.DisableAll()
	logger.Debug("callables disabled")

	if p.Grace > 0 {
		t := time.NewTimer(p.Grace)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	var errs []error
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"teardown streams", p.TeardownStreams},
		{"stop link", p.StopLink},
		{"release cards", p.ReleaseCards},
	}
	for _, s := range steps {
		if s.fn == nil {
			continue
		}
		if err := s.fn(ctx); err != nil {
			logger.Warn("shutdown step failed", "step", s.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		logger.Debug("shutdown step complete", "step", s.name)
	}
	return errors.Join(errs...)
}
