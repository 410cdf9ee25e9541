// Package frame builds and parses the on-air frames exchanged by the
// link: a radiotap header, an 802.11 data header whose source address
// identifies the sender, the radio port, a 64-bit nonce and an
// AEAD-sealed payload.
package frame

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/frobware/go-wblink"
)

const (
	// Dot11HeaderLen is the size of the 802.11 data header.
	Dot11HeaderLen = 24
	// HeaderLen is the fixed prefix that follows the radiotap header.
	HeaderLen = Dot11HeaderLen + 1 + 8
	// TagSize is the AEAD authentication tag length.
	TagSize = 16
	// MaxPayload bounds the plaintext carried in one frame.
	MaxPayload = 1510

	addr2Offset = 10
	portOffset  = Dot11HeaderLen
	nonceOffset = Dot11HeaderLen + 1
)

var (
	// ErrShort is returned for frames too small to hold the fixed header.
	ErrShort = errors.New("frame too short")
	// ErrForeign is returned for 802.11 frames not produced by this link.
	ErrForeign = errors.New("not a link frame")
	// ErrAuth is returned when the authentication tag does not verify.
	ErrAuth = errors.New("frame authentication failed")
)

// LinkID is the 802.11 source address stamped on every frame: the
// bytes 'W' 'B', the sender role and a 3 byte unit id shared by both
// ends of a link.
type LinkID [6]byte

// NewLinkID returns the identifier used by role on link unit.
func NewLinkID(role wblink.Role, unit uint32) LinkID {
	return LinkID{'W', 'B', byte(role), byte(unit >> 16), byte(unit >> 8), byte(unit)}
}

// Role returns the sender role encoded in the identifier.
func (id LinkID) Role() wblink.Role { return wblink.Role(id[2]) }

// Unit returns the 24-bit unit id.
func (id LinkID) Unit() uint32 {
	return uint32(id[3])<<16 | uint32(id[4])<<8 | uint32(id[5])
}

// Prefix returns the first four bytes as a big-endian word. The kernel
// socket filter compares against this value.
func (id LinkID) Prefix() uint32 { return binary.BigEndian.Uint32(id[:4]) }

func (id LinkID) String() string {
	return fmt.Sprintf("%s/%06x", id.Role(), id.Unit())
}

// Header is a parsed frame. Body aliases the input buffer.
type Header struct {
	Sender LinkID
	Port   wblink.RadioPort
	Nonce  uint64
	// Body is the ciphertext and tag, or the raw body for frames that
	// are not sealed with a session key.
	Body []byte

	aad []byte
}

var dot11Template = [Dot11HeaderLen]byte{
	0x08, 0x01, // frame control: data, to-DS
	0x00, 0x00, // duration
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, // addr1: broadcast
	// addr2, addr3 filled per frame; sequence control zero.
}

// Build appends an unsealed frame to dst: rt, the 802.11 header, port,
// nonce and body.
func Build(dst, rt []byte, sender LinkID, port wblink.RadioPort, nonce uint64, body []byte) []byte {
	dst = appendHeader(dst, rt, sender, port, nonce)
	return append(dst, body...)
}

// Seal appends a frame carrying plaintext sealed with aead. The port
// and nonce are authenticated as additional data.
func Seal(dst, rt []byte, sender LinkID, port wblink.RadioPort, nonce uint64, plaintext []byte, aead cipher.AEAD) []byte {
	dst = appendHeader(dst, rt, sender, port, nonce)
	var aad [9]byte
	copy(aad[:], dst[len(dst)-9:])
	n := aeadNonce(port, nonce)
	return aead.Seal(dst, n[:], plaintext, aad[:])
}

// aeadNonce is port ‖ 3 zero bytes ‖ nonce. Nonces count per port
// under one transmit key, so the port keeps them distinct.
func aeadNonce(port wblink.RadioPort, nonce uint64) [12]byte {
	var n [12]byte
	n[0] = byte(port)
	binary.BigEndian.PutUint64(n[4:], nonce)
	return n
}

func appendHeader(dst, rt []byte, sender LinkID, port wblink.RadioPort, nonce uint64) []byte {
	dst = append(dst, rt...)
	start := len(dst)
	dst = append(dst, dot11Template[:]...)
	copy(dst[start+addr2Offset:], sender[:])
	copy(dst[start+addr2Offset+6:], sender[:])
	dst = append(dst, byte(port))
	return binary.BigEndian.AppendUint64(dst, nonce)
}

// Parse decodes the 802.11 frame that follows the radiotap header.
// It performs no authentication.
func Parse(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, ErrShort
	}
	if data[0] != dot11Template[0] || data[addr2Offset] != 'W' || data[addr2Offset+1] != 'B' {
		return Header{}, ErrForeign
	}
	var h Header
	copy(h.Sender[:], data[addr2Offset:addr2Offset+6])
	if r := h.Sender.Role(); r != wblink.RoleAir && r != wblink.RoleGround {
		return Header{}, ErrForeign
	}
	h.Port = wblink.RadioPort(data[portOffset])
	h.Nonce = binary.BigEndian.Uint64(data[nonceOffset:HeaderLen])
	h.aad = data[portOffset:HeaderLen]
	h.Body = data[HeaderLen:]
	return h, nil
}

// Open authenticates and decrypts h.Body, appending the plaintext to
// dst. Nothing is appended unless the tag verifies.
func Open(dst []byte, h Header, aead cipher.AEAD) ([]byte, error) {
	if len(h.Body) < TagSize {
		return nil, ErrAuth
	}
	n := aeadNonce(h.Port, h.Nonce)
	aad := h.aad
	if aad == nil {
		aad = make([]byte, 9)
		aad[0] = byte(h.Port)
		binary.BigEndian.PutUint64(aad[1:], h.Nonce)
	}
	out, err := aead.Open(dst, n[:], h.Body, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return out, nil
}
