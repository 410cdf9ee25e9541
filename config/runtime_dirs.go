package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/frobware/go-wblink/lock"
)

// RuntimeDirs holds the runtime paths of a wblink process:
//
//	{base}/        runtime root
//	{base}/locks/  per-card ownership locks
//	{base}/sock/   control socket
//	{base}/db/     link statistics database
//
// Use NewRuntimeDirs to construct one.
type RuntimeDirs struct {
	base  string
	locks string
	sock  string
	db    string
}

// DefaultRuntimeDirs returns the dirs rooted at /run/wblink.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs("/run/wblink")
	if err != nil {
		panic(fmt.Sprintf("DefaultRuntimeDirs: %v", err))
	}
	return dirs
}

// NewRuntimeDirs derives every directory from base, which must be an
// absolute path.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("base path cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("base path must be absolute, got %q", base)
	}
	return RuntimeDirs{
		base:  base,
		locks: filepath.Join(base, "locks"),
		sock:  filepath.Join(base, "sock"),
		db:    filepath.Join(base, "db"),
	}, nil
}

func (d RuntimeDirs) Base() string  { return d.base }
func (d RuntimeDirs) Locks() string { return d.locks }
func (d RuntimeDirs) Sock() string  { return d.sock }
func (d RuntimeDirs) DB() string    { return d.db }

// SocketPath is the default control socket.
func (d RuntimeDirs) SocketPath() string {
	return filepath.Join(d.sock, "wblink.sock")
}

// DBPath is the default link statistics database.
func (d RuntimeDirs) DBPath() string {
	return filepath.Join(d.db, "linkstats.db")
}

// CardLock is the ownership lock of a card.
func (d RuntimeDirs) CardLock(device string) string {
	return lock.CardPath(d.locks, device)
}

// KeygenLock serialises keypair generation.
func (d RuntimeDirs) KeygenLock() string {
	return filepath.Join(d.base, ".keygen.lock")
}

// EnsureDirectories creates every runtime directory.
func (d RuntimeDirs) EnsureDirectories() error {
	for _, dir := range []string{d.base, d.locks, d.sock, d.db} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
