package fec

import (
	"sort"
	"time"
)

// DecoderOptions bound how long incomplete blocks are kept.
type DecoderOptions struct {
	// MaxBlockAge drops incomplete blocks first seen longer ago.
	MaxBlockAge time.Duration
	// MaxPendingBlocks drops the oldest incomplete blocks beyond this
	// count.
	MaxPendingBlocks int
	// Now overrides the clock.
	Now func() time.Time
}

// DecoderStats are cumulative counters.
type DecoderStats struct {
	Fragments uint64
	Blocks    uint64
	// Recovered counts blocks that needed parity.
	Recovered uint64
	// Dropped counts incomplete blocks discarded by age or count.
	Dropped uint64
	// Skipped counts block ids never seen between emitted blocks.
	Skipped   uint64
	Late      uint64
	Duplicate uint64
	Malformed uint64
	// Restarts counts block ids that jumped far backwards, taken as a
	// restarted sender.
	Restarts uint64
}

type pendingBlock struct {
	first     Fragment
	firstSeen time.Time
	shards    [][]byte
	have      int
}

// Decoder reassembles blocks from fragments. Blocks are emitted once,
// in increasing block id order; a block that completes after a newer
// one was emitted is discarded. Decoder is not safe for concurrent use.
type Decoder struct {
	opts    DecoderOptions
	pending map[uint64]*pendingBlock

	emitted     bool
	lastEmitted uint64
	stats       DecoderStats
}

// NewDecoder returns a Decoder.
func NewDecoder(opts DecoderOptions) *Decoder {
	if opts.MaxBlockAge <= 0 {
		opts.MaxBlockAge = time.Second
	}
	if opts.MaxPendingBlocks <= 0 {
		opts.MaxPendingBlocks = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Decoder{opts: opts, pending: make(map[uint64]*pendingBlock)}
}

// Stats returns a copy of the counters.
func (d *Decoder) Stats() DecoderStats { return d.stats }

// AddPacket parses and adds one wire fragment.
func (d *Decoder) AddPacket(b []byte) ([]byte, bool) {
	f, err := ParseFragment(b)
	if err != nil {
		d.stats.Malformed++
		return nil, false
	}
	return d.Add(f)
}

// Add adds a fragment and returns the block it completes, if any.
func (d *Decoder) Add(f Fragment) ([]byte, bool) {
	if err := f.validate(); err != nil {
		d.stats.Malformed++
		return nil, false
	}
	d.stats.Fragments++
	now := d.opts.Now()
	d.expire(now)

	if d.emitted && f.BlockID <= d.lastEmitted {
		if d.lastEmitted-f.BlockID <= uint64(d.opts.MaxPendingBlocks) {
			d.stats.Late++
			return nil, false
		}
		// Too far back to be a straggler: the sender started over.
		d.Reset()
		d.stats.Restarts++
	}

	k, r := int(f.DataCount), int(f.ParityCount)
	pb, ok := d.pending[f.BlockID]
	if !ok {
		pb = &pendingBlock{first: f, firstSeen: now, shards: make([][]byte, k+r)}
		d.pending[f.BlockID] = pb
		d.trim()
		if _, kept := d.pending[f.BlockID]; !kept {
			return nil, false
		}
	} else if !pb.first.sameShape(f) {
		d.stats.Malformed++
		return nil, false
	}
	if pb.shards[f.Index] != nil {
		d.stats.Duplicate++
		return nil, false
	}
	pb.shards[f.Index] = append([]byte(nil), f.Payload...)
	pb.have++
	if pb.have < k {
		return nil, false
	}

	delete(d.pending, f.BlockID)
	recovered := false
	for _, s := range pb.shards[:k] {
		if s == nil {
			recovered = true
			break
		}
	}
	block, err := reconstruct(pb.shards, k, r, int(f.BlockLen))
	if err != nil {
		d.stats.Dropped++
		return nil, false
	}
	if d.emitted && f.BlockID > d.lastEmitted+1 {
		d.stats.Skipped += f.BlockID - d.lastEmitted - 1
	}
	d.emitted = true
	d.lastEmitted = f.BlockID
	d.stats.Blocks++
	if recovered {
		d.stats.Recovered++
	}
	// Anything older than the emitted block can no longer be delivered.
	for id := range d.pending {
		if id < f.BlockID {
			delete(d.pending, id)
			d.stats.Dropped++
		}
	}
	return block, true
}

// Reset forgets the emitted position and every pending block, so the
// next block id is accepted whatever its value.
func (d *Decoder) Reset() {
	d.stats.Dropped += uint64(len(d.pending))
	clear(d.pending)
	d.emitted = false
	d.lastEmitted = 0
}

func (d *Decoder) expire(now time.Time) {
	for id, pb := range d.pending {
		if now.Sub(pb.firstSeen) >= d.opts.MaxBlockAge {
			delete(d.pending, id)
			d.stats.Dropped++
		}
	}
}

func (d *Decoder) trim() {
	if len(d.pending) <= d.opts.MaxPendingBlocks {
		return
	}
	ids := make([]uint64, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids[:len(ids)-d.opts.MaxPendingBlocks] {
		delete(d.pending, id)
		d.stats.Dropped++
	}
}
