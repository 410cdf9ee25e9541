// Package lock provides cross-process exclusive locks using flock(2).
//
// Two processes must never drive the same radio, and keygen must not
// race a running link rewriting the keypair file. Each such resource
// has a lock file under the runtime lock directory.
//
// There are two ways to hold a lock:
//
//  1. Run(...) holds it for the duration of a function.
//  2. Acquire(...) returns a Held that the caller releases, for locks
//     whose lifetime spans an engine run (card ownership).
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned by TryAcquire when another process holds the lock.
var ErrBusy = errors.New("lock held by another process")

// Held is an acquired lock. The zero value is not usable.
type Held struct {
	f    *os.File
	path string
}

// Path returns the lock file path.
func (h *Held) Path() string { return h.path }

// FD returns the raw lock file descriptor (for logging/diagnostics).
func (h *Held) FD() int { return int(h.f.Fd()) }

// Release drops the lock. It is safe to call more than once.
func (h *Held) Release() error {
	if h == nil || h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	return err
}

// Run acquires the lock at lockPath, executes fn, then releases.
// Uses LOCK_EX|LOCK_NB with exponential backoff, respects ctx cancellation.
func Run(ctx context.Context, lockPath string, fn func(context.Context) error) error {
	h, err := Acquire(ctx, lockPath)
	if err != nil {
		return err
	}
	defer h.Release()

	return fn(ctx)
}

// Acquire opens the lock file and waits for an exclusive lock.
func Acquire(ctx context.Context, path string) (*Held, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}

	backoff := 25 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Held{f: f, path: path}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// TryAcquire takes the lock without waiting.
func TryAcquire(path string) (*Held, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%s: %w", path, ErrBusy)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Held{f: f, path: path}, nil
}

func open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// CardPath returns the lock file guarding the card named device.
func CardPath(dir, device string) string {
	return filepath.Join(dir, "card-"+strings.ReplaceAll(device, "/", "_")+".lock")
}
