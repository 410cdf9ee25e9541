package frame_test

import (
	"bytes"
	"crypto/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/frame"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealParseOpen(t *testing.T) {
	key := newKey(t)
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	rt := []byte{0, 0, 13, 0, 0, 0x80, 0x08, 0, 0x08, 0, 0x07, 0, 3}
	sender := frame.NewLinkID(wblink.RoleAir, 0xabcdef)
	payload := []byte("hello over the air")

	out := frame.Seal(nil, rt, sender, wblink.PortTelemetryAir, 42, payload, aead)
	require.Len(t, out, len(rt)+frame.HeaderLen+len(payload)+frame.TagSize)
	require.True(t, bytes.HasPrefix(out, rt))

	dot11 := out[len(rt):]
	assert.Equal(t, []byte{0x08, 0x01, 0, 0}, dot11[:4])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 6), dot11[4:10])
	assert.Equal(t, sender[:], dot11[10:16], "addr2")
	assert.Equal(t, sender[:], dot11[16:22], "addr3")

	h, err := frame.Parse(dot11)
	require.NoError(t, err)
	assert.Equal(t, sender, h.Sender)
	assert.Equal(t, wblink.RoleAir, h.Sender.Role())
	assert.Equal(t, uint32(0xabcdef), h.Sender.Unit())
	assert.Equal(t, wblink.PortTelemetryAir, h.Port)
	assert.Equal(t, uint64(42), h.Nonce)

	plain, err := frame.Open(nil, h, aead)
	require.NoError(t, err)
	assert.Equal(t, payload, plain)
}

func TestSameNonceDifferentPorts(t *testing.T) {
	aead, err := chacha20poly1305.New(newKey(t))
	require.NoError(t, err)
	sender := frame.NewLinkID(wblink.RoleAir, 1)
	pt := bytes.Repeat([]byte{0x55}, 24)

	a := frame.Seal(nil, nil, sender, wblink.PortVideoPrimary, 7, pt, aead)
	b := frame.Seal(nil, nil, sender, wblink.PortVideoSecondary, 7, pt, aead)
	assert.NotEqual(t, a[frame.HeaderLen:], b[frame.HeaderLen:], "ports must not share a keystream")

	for _, f := range [][]byte{a, b} {
		h, err := frame.Parse(f)
		require.NoError(t, err)
		plain, err := frame.Open(nil, h, aead)
		require.NoError(t, err)
		assert.Equal(t, pt, plain)
	}

	// Moving a frame to another port fails authentication.
	moved := slices.Clone(a)
	moved[frame.Dot11HeaderLen] = byte(wblink.PortVideoSecondary)
	h, err := frame.Parse(moved)
	require.NoError(t, err)
	_, err = frame.Open(nil, h, aead)
	assert.ErrorIs(t, err, frame.ErrAuth)
}

func TestOpenRejectsTampering(t *testing.T) {
	aead, err := chacha20poly1305.New(newKey(t))
	require.NoError(t, err)
	other, err := chacha20poly1305.New(newKey(t))
	require.NoError(t, err)

	sender := frame.NewLinkID(wblink.RoleGround, 1)
	sealed := frame.Seal(nil, nil, sender, wblink.PortVideoPrimary, 7, []byte("payload"), aead)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{name: "port changed", mutate: func(b []byte) []byte { b[frame.Dot11HeaderLen] ^= 1; return b }},
		{name: "nonce changed", mutate: func(b []byte) []byte { b[frame.Dot11HeaderLen+8] ^= 1; return b }},
		{name: "ciphertext flipped", mutate: func(b []byte) []byte { b[frame.HeaderLen] ^= 0x80; return b }},
		{name: "tag flipped", mutate: func(b []byte) []byte { b[len(b)-1] ^= 1; return b }},
		{name: "truncated tag", mutate: func(b []byte) []byte { return b[:frame.HeaderLen+4] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), sealed...))
			h, err := frame.Parse(data)
			require.NoError(t, err)
			_, err = frame.Open(nil, h, aead)
			assert.ErrorIs(t, err, frame.ErrAuth)
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		h, err := frame.Parse(sealed)
		require.NoError(t, err)
		_, err = frame.Open(nil, h, other)
		assert.ErrorIs(t, err, frame.ErrAuth)
	})
}

func TestParseRejects(t *testing.T) {
	valid := frame.Build(nil, nil, frame.NewLinkID(wblink.RoleAir, 0), wblink.PortSessionKey, 1, []byte{1, 2, 3})

	beacon := append([]byte(nil), valid...)
	beacon[0] = 0x80

	foreign := append([]byte(nil), valid...)
	foreign[10] = 0x00

	badRole := append([]byte(nil), valid...)
	badRole[12] = 9

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: frame.ErrShort},
		{name: "short", data: valid[:frame.HeaderLen-1], want: frame.ErrShort},
		{name: "beacon", data: beacon, want: frame.ErrForeign},
		{name: "foreign address", data: foreign, want: frame.ErrForeign},
		{name: "unknown role", data: badRole, want: frame.ErrForeign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := frame.Parse(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	h, err := frame.Parse(valid)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, h.Body)
}

func TestLinkIDPrefix(t *testing.T) {
	id := frame.NewLinkID(wblink.RoleGround, 0x010203)
	assert.Equal(t, uint32('W')<<24|uint32('B')<<16|uint32(wblink.RoleGround)<<8|0x01, id.Prefix())
	assert.Equal(t, "ground/010203", id.String())
}
