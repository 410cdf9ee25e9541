package lock_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-wblink/lock"
)

func TestTryAcquireExclusive(t *testing.T) {
	path := lock.CardPath(filepath.Join(t.TempDir(), "locks"), "wlan0")
	assert.Equal(t, "card-wlan0.lock", filepath.Base(path))

	h, err := lock.TryAcquire(path)
	require.NoError(t, err)

	// flock locks belong to the open file description, so a second
	// open in the same process conflicts.
	_, err = lock.TryAcquire(path)
	assert.ErrorIs(t, err, lock.ErrBusy)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())

	h2, err := lock.TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, h2.Release())
}

func TestAcquireRespectsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.lock")
	h, err := lock.TryAcquire(path)
	require.NoError(t, err)
	defer h.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = lock.Acquire(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.lock")
	h, err := lock.TryAcquire(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.Release()
	}()

	ran := false
	err = lock.Run(context.Background(), path, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}
