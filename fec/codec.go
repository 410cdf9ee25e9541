package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// DefaultMaxFragmentPayload keeps a fragment plus framing inside one
// injected frame.
const DefaultMaxFragmentPayload = 1446

type shape struct{ data, parity int }

// codecs caches Reed-Solomon codecs by shard layout. A codec is safe
// for concurrent use.
var codecs sync.Map // shape -> reedsolomon.Encoder

func codecFor(k, r int) (reedsolomon.Encoder, error) {
	s := shape{k, r}
	if c, ok := codecs.Load(s); ok {
		return c.(reedsolomon.Encoder), nil
	}
	c, err := reedsolomon.New(k, r)
	if err != nil {
		return nil, fmt.Errorf("reed-solomon %d+%d: %w", k, r, err)
	}
	actual, _ := codecs.LoadOrStore(s, c)
	return actual.(reedsolomon.Encoder), nil
}

// Encoder splits blocks into data and parity fragments.
type Encoder struct {
	// MaxFragmentPayload is the largest shard size.
	MaxFragmentPayload int
	// OverheadPercent is the parity count as a percentage of the data
	// count, rounded up.
	OverheadPercent int
}

func (e Encoder) maxPayload() int {
	if e.MaxFragmentPayload <= 0 {
		return DefaultMaxFragmentPayload
	}
	return e.MaxFragmentPayload
}

// Layout returns the data and parity counts and shard size for a
// block of n bytes.
func (e Encoder) Layout(n int) (k, r, size int, err error) {
	if n <= 0 {
		return 0, 0, 0, ErrEmptyBlock
	}
	k = (n + e.maxPayload() - 1) / e.maxPayload()
	if k >= MaxShards {
		return 0, 0, 0, fmt.Errorf("block of %d bytes needs %d fragments, limit %d", n, k, MaxShards-1)
	}
	r = (k*max(e.OverheadPercent, 0) + 99) / 100
	r = min(r, MaxShards-k)
	return k, r, shardSize(n, k), nil
}

// Encode splits block into fragments. The fragments own their payload.
func (e Encoder) Encode(blockID uint64, block []byte) ([]Fragment, error) {
	k, r, size, err := e.Layout(len(block))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, (k+r)*size)
	copy(buf, block)
	shards := make([][]byte, k+r)
	for i := range shards {
		shards[i] = buf[i*size : (i+1)*size : (i+1)*size]
	}
	if r > 0 {
		c, err := codecFor(k, r)
		if err != nil {
			return nil, err
		}
		if err := c.Encode(shards); err != nil {
			return nil, fmt.Errorf("encode parity: %w", err)
		}
	}
	frags := make([]Fragment, k+r)
	for i := range frags {
		frags[i] = Fragment{
			BlockID:     blockID,
			Index:       uint16(i),
			DataCount:   uint16(k),
			ParityCount: uint16(r),
			BlockLen:    uint32(len(block)),
			Payload:     shards[i],
		}
	}
	return frags, nil
}

// reconstruct rebuilds the block from shards, where missing shards are
// nil. The caller guarantees at least k shards are present.
func reconstruct(shards [][]byte, k, r, blockLen int) ([]byte, error) {
	missingData := false
	for _, s := range shards[:k] {
		if s == nil {
			missingData = true
			break
		}
	}
	if missingData {
		c, err := codecFor(k, r)
		if err != nil {
			return nil, err
		}
		if err := c.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("reconstruct: %w", err)
		}
	}
	out := make([]byte, 0, k*len(shards[0]))
	for _, s := range shards[:k] {
		out = append(out, s...)
	}
	return out[:blockLen], nil
}
