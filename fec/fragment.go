// Package fec maps application blocks onto fixed-size fragments with
// Reed-Solomon redundancy and reassembles them on receive.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the encoded size of a fragment header.
	HeaderSize = 18
	// MaxShards bounds data plus parity fragments per block.
	MaxShards = 256
)

var (
	// ErrMalformed is returned for fragments whose header is
	// inconsistent with their payload.
	ErrMalformed = errors.New("malformed fragment")
	// ErrEmptyBlock is returned when encoding a zero-length block.
	ErrEmptyBlock = errors.New("empty block")
)

// Fragment is one data or parity shard of a block. Data fragments have
// Index < DataCount.
type Fragment struct {
	BlockID     uint64
	Index       uint16
	DataCount   uint16
	ParityCount uint16
	// BlockLen is the unpadded length of the block.
	BlockLen uint32
	Payload  []byte
}

// IsParity reports whether f carries redundancy rather than data.
func (f Fragment) IsParity() bool { return f.Index >= f.DataCount }

// AppendBinary appends the wire encoding of f to dst.
func (f Fragment) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, f.BlockID)
	dst = binary.BigEndian.AppendUint16(dst, f.Index)
	dst = binary.BigEndian.AppendUint16(dst, f.DataCount)
	dst = binary.BigEndian.AppendUint16(dst, f.ParityCount)
	dst = binary.BigEndian.AppendUint32(dst, f.BlockLen)
	return append(dst, f.Payload...)
}

// ParseFragment decodes a fragment. Payload aliases b. Every header
// field is checked against the payload so that reassembly never
// indexes outside the shard set.
func ParseFragment(b []byte) (Fragment, error) {
	if len(b) < HeaderSize {
		return Fragment{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	f := Fragment{
		BlockID:     binary.BigEndian.Uint64(b[0:8]),
		Index:       binary.BigEndian.Uint16(b[8:10]),
		DataCount:   binary.BigEndian.Uint16(b[10:12]),
		ParityCount: binary.BigEndian.Uint16(b[12:14]),
		BlockLen:    binary.BigEndian.Uint32(b[14:18]),
		Payload:     b[HeaderSize:],
	}
	if err := f.validate(); err != nil {
		return Fragment{}, err
	}
	return f, nil
}

func (f Fragment) validate() error {
	k, r := int(f.DataCount), int(f.ParityCount)
	switch {
	case k == 0:
		return fmt.Errorf("%w: zero data count", ErrMalformed)
	case k+r > MaxShards:
		return fmt.Errorf("%w: %d+%d shards", ErrMalformed, k, r)
	case int(f.Index) >= k+r:
		return fmt.Errorf("%w: index %d of %d", ErrMalformed, f.Index, k+r)
	case f.BlockLen == 0:
		return fmt.Errorf("%w: zero block length", ErrMalformed)
	case shardSize(int(f.BlockLen), k) != len(f.Payload):
		return fmt.Errorf("%w: payload %d bytes, want %d", ErrMalformed, len(f.Payload), shardSize(int(f.BlockLen), k))
	}
	return nil
}

// sameShape reports whether f and g describe the same block layout.
func (f Fragment) sameShape(g Fragment) bool {
	return f.DataCount == g.DataCount && f.ParityCount == g.ParityCount && f.BlockLen == g.BlockLen
}

func shardSize(blockLen, k int) int {
	return (blockLen + k - 1) / k
}
