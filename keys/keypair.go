// Package keys manages the long-term link identity and the short-lived
// session keys that seal every frame.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
)

// DefaultBindPhrase is used when no bind phrase is configured.
const DefaultBindPhrase = "openhd"

// KeyPairFileSize is the size of a persisted KeyPair.
const KeyPairFileSize = 4 * 32

// Argon2id parameters. Both ends must derive with identical values.
const (
	argonTime    = 3
	argonMemory  = 32 * 1024
	argonThreads = 1
)

var (
	airSalt    = []byte("wblink-air-key-1")
	groundSalt = []byte("wblink-gnd-key-1")
)

// Keys is one X25519 keypair.
type Keys struct {
	Secret [32]byte
	Public [32]byte
}

// KeyPair holds the air and ground keypairs. Both ends of a link hold
// the same KeyPair; each uses its own secret and the peer's public key.
type KeyPair struct {
	Air    Keys
	Ground Keys
}

// GenerateFromBindPhrase derives a KeyPair deterministically from
// phrase.
func GenerateFromBindPhrase(phrase string) (KeyPair, error) {
	air, err := derive(phrase, airSalt)
	if err != nil {
		return KeyPair{}, err
	}
	gnd, err := derive(phrase, groundSalt)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Air: air, Ground: gnd}, nil
}

// Generate creates a KeyPair from random, for links that distribute
// the key file instead of a bind phrase.
func Generate(random io.Reader) (KeyPair, error) {
	var kp KeyPair
	for _, k := range []*Keys{&kp.Air, &kp.Ground} {
		pub, sec, err := box.GenerateKey(random)
		if err != nil {
			return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
		}
		*k = Keys{Secret: *sec, Public: *pub}
	}
	return kp, nil
}

func derive(phrase string, salt []byte) (Keys, error) {
	seed := argon2.IDKey([]byte(phrase), salt, argonTime, argonMemory, argonThreads, 32)
	pub, sec, err := box.GenerateKey(bytes.NewReader(seed))
	if err != nil {
		return Keys{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keys{Secret: *sec, Public: *pub}, nil
}

// MarshalBinary encodes kp as air secret, air public, ground secret,
// ground public.
func (kp KeyPair) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, KeyPairFileSize)
	b = append(b, kp.Air.Secret[:]...)
	b = append(b, kp.Air.Public[:]...)
	b = append(b, kp.Ground.Secret[:]...)
	b = append(b, kp.Ground.Public[:]...)
	return b, nil
}

// UnmarshalBinary decodes the format written by MarshalBinary.
func (kp *KeyPair) UnmarshalBinary(b []byte) error {
	if len(b) != KeyPairFileSize {
		return fmt.Errorf("keypair is %d bytes, want %d", len(b), KeyPairFileSize)
	}
	copy(kp.Air.Secret[:], b[0:32])
	copy(kp.Air.Public[:], b[32:64])
	copy(kp.Ground.Secret[:], b[64:96])
	copy(kp.Ground.Public[:], b[96:128])
	return nil
}

// Load reads a keypair file.
func Load(path string) (KeyPair, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	if err := kp.UnmarshalBinary(b); err != nil {
		return KeyPair{}, fmt.Errorf("%s: %w", path, err)
	}
	return kp, nil
}

// Save writes kp to path with owner-only permissions, replacing any
// existing file atomically.
func Save(path string, kp KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	b, _ := kp.MarshalBinary()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keypair-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadOrCreate loads the keypair at path. When the file is missing or
// unreadable as a keypair, a keypair is derived from phrase (or
// DefaultBindPhrase when empty) and written to path, so derivation
// happens once. created reports whether the file was written.
func LoadOrCreate(path, phrase string) (kp KeyPair, created bool, err error) {
	kp, err = Load(path)
	if err == nil {
		return kp, false, nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return KeyPair{}, false, err
	}
	if phrase == "" {
		phrase = DefaultBindPhrase
	}
	kp, err = GenerateFromBindPhrase(phrase)
	if err != nil {
		return KeyPair{}, false, err
	}
	if err := Save(path, kp); err != nil {
		return KeyPair{}, false, fmt.Errorf("persist keypair: %w", err)
	}
	return kp, true, nil
}
