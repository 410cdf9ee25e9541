package keys

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/frobware/go-wblink"
)

// State is the session-key state of one end of the link, seen from its
// receive direction.
type State int

const (
	// StateNoKey means no long-term keypair is loaded.
	StateNoKey State = iota
	// StateKeyPending means the keypair is loaded but no session key
	// from the peer has been authenticated yet.
	StateKeyPending
	// StateSessionEstablished means exactly one peer session key is valid.
	StateSessionEstablished
	// StateRotating means a new key was adopted and the previous one is
	// still valid for in-flight frames.
	StateRotating
)

func (s State) String() string {
	switch s {
	case StateNoKey:
		return "no-key"
	case StateKeyPending:
		return "key-pending"
	case StateSessionEstablished:
		return "session-established"
	case StateRotating:
		return "rotating"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	// SessionKeySize is the ChaCha20-Poly1305 key size.
	SessionKeySize = chacha20poly1305.KeySize

	boxNonceSize  = 24
	announceSize  = SessionKeySize + 8 + 8
	keyPacketSize = boxNonceSize + box.Overhead + announceSize
)

var (
	// ErrKeyPacket is returned for key packets that fail to
	// authenticate or are malformed.
	ErrKeyPacket = errors.New("invalid session key packet")
	// ErrRetiredKey is returned for key packets announcing a key that
	// was already replaced, or one from an older epoch than the
	// current key while that key is still being announced.
	ErrRetiredKey = errors.New("session key was retired")
)

// SessionKey is a symmetric per-direction key.
type SessionKey [SessionKeySize]byte

// Slot is one usable receive key.
type Slot struct {
	// Gen increases with every adopted key. Receivers key their nonce
	// watermarks by it.
	Gen  uint64
	AEAD cipher.AEAD
	// Activation is the lowest nonce the sender uses under this key.
	Activation uint64
}

// Options tune a Manager.
type Options struct {
	// GracePeriod is how long the previous receive key stays valid
	// after a new one is adopted.
	GracePeriod time.Duration
	// RetiredKeys is the number of replaced keys remembered so that
	// replayed key packets cannot roll the session back.
	RetiredKeys int
	// SenderTimeout is how long the current key must go unannounced
	// before an older epoch is accepted as a restarted sender.
	SenderTimeout time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	if o.RetiredKeys <= 0 {
		o.RetiredKeys = 16
	}
	if o.SenderTimeout <= 0 {
		o.SenderTimeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager owns the session key this end transmits with and the keys
// announced by the peer.
type Manager struct {
	opts   Options
	role   wblink.Role
	shared [32]byte

	mu         sync.Mutex
	txKey      SessionKey
	txAEAD     cipher.AEAD
	activation uint64
	txEpoch    uint64

	gen           uint64
	currentKey    SessionKey
	currentEpoch  uint64
	currentSeen   time.Time
	current       *Slot
	previous      *Slot
	previousUntil time.Time
	retired       []SessionKey
}

// NewManager creates a Manager for role and generates its first
// transmit session key. Failure to initialise the cipher is fatal.
func NewManager(kp KeyPair, role wblink.Role, opts Options) (*Manager, error) {
	opts.setDefaults()
	mine, peer := kp.Air, kp.Ground
	if role == wblink.RoleGround {
		mine, peer = kp.Ground, kp.Air
	}
	m := &Manager{opts: opts, role: role}
	box.Precompute(&m.shared, &peer.Public, &mine.Secret)
	if err := m.Rotate(0); err != nil {
		return nil, err
	}
	return m, nil
}

// Rotate replaces the transmit session key. Frames sealed under the
// new key use nonces of at least activation. Each key carries an
// epoch taken from the wall clock and strictly increasing within the
// process.
func (m *Manager) Rotate(activation uint64) error {
	var key SessionKey
	if _, err := rand.Read(key[:]); err != nil {
		return &wblink.FatalError{Reason: "read random session key", Err: err}
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return &wblink.FatalError{Reason: "initialise cipher", Err: err}
	}
	m.mu.Lock()
	m.txKey, m.txAEAD, m.activation = key, aead, activation
	m.txEpoch = max(uint64(max(m.opts.Now().UnixNano(), 0)), m.txEpoch+1)
	m.mu.Unlock()
	return nil
}

// TxAEAD returns the cipher for outgoing frames.
func (m *Manager) TxAEAD() cipher.AEAD {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txAEAD
}

// KeyPacket returns the body of a session key announcement for the
// current transmit key: a random box nonce followed by the boxed key,
// activation nonce and epoch.
func (m *Manager) KeyPacket() ([]byte, error) {
	m.mu.Lock()
	var msg [announceSize]byte
	copy(msg[:], m.txKey[:])
	binary.BigEndian.PutUint64(msg[SessionKeySize:], m.activation)
	binary.BigEndian.PutUint64(msg[SessionKeySize+8:], m.txEpoch)
	m.mu.Unlock()

	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, &wblink.FatalError{Reason: "read random box nonce", Err: err}
	}
	out := make([]byte, boxNonceSize, keyPacketSize)
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, msg[:], &nonce, &m.shared), nil
}

// HandleKeyPacket authenticates a key announcement from the peer.
// changed reports whether a new key was adopted; repeats of the
// current key refresh nothing and return false.
func (m *Manager) HandleKeyPacket(body []byte) (changed bool, err error) {
	if len(body) != keyPacketSize {
		return false, ErrKeyPacket
	}
	var nonce [boxNonceSize]byte
	copy(nonce[:], body[:boxNonceSize])
	msg, ok := box.OpenAfterPrecomputation(nil, body[boxNonceSize:], &nonce, &m.shared)
	if !ok || len(msg) != announceSize {
		return false, ErrKeyPacket
	}
	var key SessionKey
	copy(key[:], msg[:SessionKeySize])
	activation := binary.BigEndian.Uint64(msg[SessionKeySize:])
	epoch := binary.BigEndian.Uint64(msg[SessionKeySize+8:])

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	if m.current != nil && key == m.currentKey {
		m.currentSeen = now
		return false, nil
	}
	for _, k := range m.retired {
		if k == key {
			return false, ErrRetiredKey
		}
	}
	if m.current != nil && epoch <= m.currentEpoch && now.Sub(m.currentSeen) < m.opts.SenderTimeout {
		return false, ErrRetiredKey
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return false, &wblink.FatalError{Reason: "initialise cipher", Err: err}
	}
	if m.current != nil {
		m.previous = m.current
		m.previousUntil = now.Add(m.opts.GracePeriod)
		m.retired = append(m.retired, m.currentKey)
		if len(m.retired) > m.opts.RetiredKeys {
			m.retired = m.retired[len(m.retired)-m.opts.RetiredKeys:]
		}
	}
	m.gen++
	m.currentKey = key
	m.currentEpoch = epoch
	m.currentSeen = now
	m.current = &Slot{Gen: m.gen, AEAD: aead, Activation: activation}
	return true, nil
}

// RxSlots returns the receive keys valid now, newest first.
func (m *Manager) RxSlots() []*Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	switch {
	case m.current == nil:
		return nil
	case m.previous == nil:
		return []*Slot{m.current}
	default:
		return []*Slot{m.current, m.previous}
	}
}

// State reports the receive-side key state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	switch {
	case m.current == nil:
		return StateKeyPending
	case m.previous != nil:
		return StateRotating
	default:
		return StateSessionEstablished
	}
}

// Role returns the role the manager transmits as.
func (m *Manager) Role() wblink.Role { return m.role }

func (m *Manager) expireLocked() {
	if m.previous != nil && !m.opts.Now().Before(m.previousUntil) {
		m.previous = nil
	}
}
