package keys_test

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/frame"
	"github.com/frobware/go-wblink/keys"
)

var (
	defaultPairOnce sync.Once
	defaultPair     keys.KeyPair
)

// defaultKeyPair derives the default-phrase keypair once per test
// binary; Argon2id is deliberately slow.
func defaultKeyPair(t *testing.T) keys.KeyPair {
	t.Helper()
	defaultPairOnce.Do(func() {
		kp, err := keys.GenerateFromBindPhrase(keys.DefaultBindPhrase)
		require.NoError(t, err)
		defaultPair = kp
	})
	return defaultPair
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGenerateFromBindPhrase(t *testing.T) {
	kp := defaultKeyPair(t)

	again, err := keys.GenerateFromBindPhrase(keys.DefaultBindPhrase)
	require.NoError(t, err)
	assert.Equal(t, kp, again, "derivation must be deterministic")
	assert.NotEqual(t, kp.Air, kp.Ground)

	other, err := keys.GenerateFromBindPhrase("another phrase")
	require.NoError(t, err)
	assert.NotEqual(t, kp.Air.Secret, other.Air.Secret)
	assert.NotEqual(t, kp.Ground.Public, other.Ground.Public)
}

func TestGenerateSaveLoad(t *testing.T) {
	kp, err := keys.Generate(rand.Reader)
	require.NoError(t, err)
	assert.NotEqual(t, kp.Air.Public, kp.Ground.Public)

	path := filepath.Join(t.TempDir(), "etc", "txrx.key")
	require.NoError(t, keys.Save(path, kp))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	assert.Equal(t, int64(keys.KeyPairFileSize), fi.Size())

	got, err := keys.Load(path)
	require.NoError(t, err)
	assert.Equal(t, kp, got)

	_, err = keys.Generate(strings.NewReader("short"))
	assert.Error(t, err, "a short random source fails")
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "txrx.key")

	kp, created, err := keys.LoadOrCreate(path, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, defaultKeyPair(t), kp)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	assert.Equal(t, int64(keys.KeyPairFileSize), fi.Size())

	loaded, created, err := keys.LoadOrCreate(path, "ignored once persisted")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, kp, loaded)

	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o600))
	recreated, created, err := keys.LoadOrCreate(path, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, kp, recreated)
}

func TestUnmarshalRejectsWrongSize(t *testing.T) {
	var kp keys.KeyPair
	assert.Error(t, kp.UnmarshalBinary(make([]byte, keys.KeyPairFileSize-1)))
	assert.NoError(t, kp.UnmarshalBinary(make([]byte, keys.KeyPairFileSize)))
}

func sealWith(t *testing.T, m *keys.Manager, nonce uint64, msg string) frame.Header {
	t.Helper()
	data := frame.Seal(nil, nil, frame.NewLinkID(m.Role(), 0), wblink.PortTelemetryAir, nonce, []byte(msg), m.TxAEAD())
	h, err := frame.Parse(data)
	require.NoError(t, err)
	return h
}

func openAny(slots []*keys.Slot, h frame.Header) ([]byte, bool) {
	for _, s := range slots {
		if out, err := frame.Open(nil, h, s.AEAD); err == nil {
			return out, true
		}
	}
	return nil, false
}

func TestSessionKeyRotation(t *testing.T) {
	kp := defaultKeyPair(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}

	air, err := keys.NewManager(kp, wblink.RoleAir, keys.Options{})
	require.NoError(t, err)
	gnd, err := keys.NewManager(kp, wblink.RoleGround, keys.Options{GracePeriod: 2 * time.Second, Now: clock.Now})
	require.NoError(t, err)

	assert.Equal(t, keys.StateKeyPending, gnd.State())
	assert.Empty(t, gnd.RxSlots(), "no key before a key packet authenticates")

	pkt1, err := air.KeyPacket()
	require.NoError(t, err)
	changed, err := gnd.HandleKeyPacket(pkt1)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, keys.StateSessionEstablished, gnd.State())

	changed, err = gnd.HandleKeyPacket(pkt1)
	require.NoError(t, err)
	assert.False(t, changed, "repeat of the current key")

	inFlight := sealWith(t, air, 10, "sealed under key one")

	require.NoError(t, air.Rotate(11))
	pkt2, err := air.KeyPacket()
	require.NoError(t, err)
	changed, err = gnd.HandleKeyPacket(pkt2)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, keys.StateRotating, gnd.State())

	slots := gnd.RxSlots()
	require.Len(t, slots, 2)
	assert.Greater(t, slots[0].Gen, slots[1].Gen)
	assert.Equal(t, uint64(11), slots[0].Activation)

	out, ok := openAny(slots, inFlight)
	require.True(t, ok, "previous key must still open in-flight frames")
	assert.Equal(t, "sealed under key one", string(out))

	fresh := sealWith(t, air, 11, "sealed under key two")
	out, ok = openAny(slots, fresh)
	require.True(t, ok)
	assert.Equal(t, "sealed under key two", string(out))

	clock.Advance(2 * time.Second)
	assert.Equal(t, keys.StateSessionEstablished, gnd.State())
	slots = gnd.RxSlots()
	require.Len(t, slots, 1)
	_, ok = openAny(slots, inFlight)
	assert.False(t, ok, "key older than the grace window must be rejected")

	_, err = gnd.HandleKeyPacket(pkt1)
	assert.ErrorIs(t, err, keys.ErrRetiredKey, "replayed announcement of a retired key")
	assert.Len(t, gnd.RxSlots(), 1)
}

func TestHandleKeyPacketRejects(t *testing.T) {
	kp := defaultKeyPair(t)
	air, err := keys.NewManager(kp, wblink.RoleAir, keys.Options{})
	require.NoError(t, err)
	gnd, err := keys.NewManager(kp, wblink.RoleGround, keys.Options{})
	require.NoError(t, err)

	pkt, err := air.KeyPacket()
	require.NoError(t, err)

	otherPair := kp
	otherPair.Air.Secret[0] ^= 0xff
	stranger, err := keys.NewManager(otherPair, wblink.RoleAir, keys.Options{})
	require.NoError(t, err)
	strangerPkt, err := stranger.KeyPacket()
	require.NoError(t, err)

	tampered := append([]byte(nil), pkt...)
	tampered[len(tampered)-3] ^= 1

	tests := map[string][]byte{
		"empty":         nil,
		"truncated":     pkt[:len(pkt)-1],
		"tampered":      tampered,
		"wrong keypair": strangerPkt,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			changed, err := gnd.HandleKeyPacket(body)
			assert.ErrorIs(t, err, keys.ErrKeyPacket)
			assert.False(t, changed)
			assert.Equal(t, keys.StateKeyPending, gnd.State())
		})
	}
}

func TestRetiredKeyWindow(t *testing.T) {
	kp := defaultKeyPair(t)
	air, err := keys.NewManager(kp, wblink.RoleAir, keys.Options{})
	require.NoError(t, err)
	gnd, err := keys.NewManager(kp, wblink.RoleGround, keys.Options{RetiredKeys: 2})
	require.NoError(t, err)

	var pkts [][]byte
	for i := 0; i < 4; i++ {
		require.NoError(t, air.Rotate(uint64(i)))
		pkt, err := air.KeyPacket()
		require.NoError(t, err)
		pkts = append(pkts, pkt)
		changed, err := gnd.HandleKeyPacket(pkt)
		require.NoError(t, err)
		require.True(t, changed)
	}

	_, err = gnd.HandleKeyPacket(pkts[2])
	assert.ErrorIs(t, err, keys.ErrRetiredKey)
	_, err = gnd.HandleKeyPacket(pkts[1])
	assert.ErrorIs(t, err, keys.ErrRetiredKey)

	// Beyond the remembered keys the older epoch still refuses it.
	_, err = gnd.HandleKeyPacket(pkts[0])
	assert.ErrorIs(t, err, keys.ErrRetiredKey)
	assert.Len(t, gnd.RxSlots(), 2, "session not rolled back")
}

func TestRestartedSenderAccepted(t *testing.T) {
	kp := defaultKeyPair(t)
	clock := &fakeClock{now: time.Unix(1000, 0)}
	air, err := keys.NewManager(kp, wblink.RoleAir, keys.Options{})
	require.NoError(t, err)
	gnd, err := keys.NewManager(kp, wblink.RoleGround, keys.Options{SenderTimeout: 5 * time.Second, Now: clock.Now})
	require.NoError(t, err)

	pkt, err := air.KeyPacket()
	require.NoError(t, err)
	changed, err := gnd.HandleKeyPacket(pkt)
	require.NoError(t, err)
	require.True(t, changed)

	// A sender booted with its clock reset announces a lower epoch.
	rebooted, err := keys.NewManager(kp, wblink.RoleAir, keys.Options{Now: func() time.Time { return time.Unix(0, 0) }})
	require.NoError(t, err)
	fresh, err := rebooted.KeyPacket()
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	_, err = gnd.HandleKeyPacket(pkt)
	require.NoError(t, err, "repeat of the current key refreshes it")
	clock.Advance(4 * time.Second)
	_, err = gnd.HandleKeyPacket(fresh)
	assert.ErrorIs(t, err, keys.ErrRetiredKey, "current key still announced")

	clock.Advance(5 * time.Second)
	changed, err = gnd.HandleKeyPacket(fresh)
	require.NoError(t, err)
	assert.True(t, changed, "silent sender taken as restarted")

	h := sealWith(t, rebooted, 1, "after reboot")
	out, ok := openAny(gnd.RxSlots(), h)
	require.True(t, ok)
	assert.Equal(t, "after reboot", string(out))
}
