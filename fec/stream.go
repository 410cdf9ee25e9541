package fec

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frobware/go-wblink/logging"
)

// PacketSender injects one wire packet on a radio port. Send must not
// retain payload.
type PacketSender interface {
	Send(payload []byte) error
}

// StreamTxOptions configure a StreamTx.
type StreamTxOptions struct {
	Encoder Encoder
	// QueueDepth is the number of blocks buffered ahead of the link.
	QueueDepth int
	// Spacing is the pause between consecutive fragments.
	Spacing time.Duration
}

// StreamTxStats are cumulative counters.
type StreamTxStats struct {
	Enqueued      uint64
	DroppedBlocks uint64
	Fragments     uint64
	SendErrors    uint64
	EncodeErrors  uint64
}

// StreamTx fragments blocks and injects them from a worker goroutine.
// EnqueueBlock never blocks: when the queue is full the oldest queued
// block is discarded.
type StreamTx struct {
	logger *slog.Logger
	sender PacketSender
	opts   StreamTxOptions

	mu     sync.Mutex
	queue  [][]byte
	wake   chan struct{}
	nextID uint64

	enqueued, dropped, fragments, sendErrs, encodeErrs atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStreamTx starts a StreamTx that sends through sender until ctx is
// cancelled or Close is called.
func NewStreamTx(ctx context.Context, sender PacketSender, opts StreamTxOptions, logger *slog.Logger) *StreamTx {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 2
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &StreamTx{
		logger: logger.With("component", "fec"),
		sender: sender,
		opts:   opts,
		wake:   make(chan struct{}, 1),
		cancel: cancel,
	}
	t.wg.Add(1)
	go t.run(ctx)
	return t
}

// EnqueueBlock queues a copy of block for transmission. It reports
// false when an older block had to be dropped to make room.
func (t *StreamTx) EnqueueBlock(block []byte) bool {
	b := append([]byte(nil), block...)
	t.mu.Lock()
	dropped := false
	if len(t.queue) >= t.opts.QueueDepth {
		t.queue = t.queue[1:]
		dropped = true
	}
	t.queue = append(t.queue, b)
	t.mu.Unlock()

	t.enqueued.Add(1)
	if dropped {
		t.dropped.Add(1)
		t.logger.Debug("tx queue full, dropped oldest block")
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return !dropped
}

func (t *StreamTx) pop() ([]byte, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil, 0, false
	}
	b := t.queue[0]
	t.queue = t.queue[1:]
	id := t.nextID
	t.nextID++
	return b, id, true
}

func (t *StreamTx) run(ctx context.Context) {
	defer t.wg.Done()
	var wire []byte
	for {
		block, id, ok := t.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-t.wake:
				continue
			}
		}
		frags, err := t.opts.Encoder.Encode(id, block)
		if err != nil {
			t.encodeErrs.Add(1)
			t.logger.Warn("encode block failed", "block", id, "len", len(block), "error", err)
			continue
		}
		t.logger.Log(ctx, logging.LevelTrace.ToSlog(), "sending block", "block", id, "fragments", len(frags))
		for i, f := range frags {
			if ctx.Err() != nil {
				return
			}
			wire = f.AppendBinary(wire[:0])
			if err := t.sender.Send(wire); err != nil {
				t.sendErrs.Add(1)
				t.logger.Debug("fragment send failed", "block", id, "index", f.Index, "error", err)
			} else {
				t.fragments.Add(1)
			}
			if t.opts.Spacing > 0 && i < len(frags)-1 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.opts.Spacing):
				}
			}
		}
	}
}

// Close stops the worker and waits for it. Queued blocks are discarded.
func (t *StreamTx) Close() {
	t.cancel()
	t.wg.Wait()
}

// Flush waits until the queue is empty or ctx is done. A block being
// sent when the queue empties may still be in flight.
func (t *StreamTx) Flush(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for {
		t.mu.Lock()
		n := len(t.queue)
		t.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Stats returns the cumulative counters.
func (t *StreamTx) Stats() StreamTxStats {
	return StreamTxStats{
		Enqueued:      t.enqueued.Load(),
		DroppedBlocks: t.dropped.Load(),
		Fragments:     t.fragments.Load(),
		SendErrors:    t.sendErrs.Load(),
		EncodeErrors:  t.encodeErrs.Load(),
	}
}

// StreamRx feeds wire packets into a Decoder and hands completed
// blocks to a callback.
type StreamRx struct {
	logger  *slog.Logger
	decoder *Decoder
	onBlock func([]byte)

	mu    sync.Mutex
	stats DecoderStats
}

// NewStreamRx returns a StreamRx. onBlock runs on the goroutine that
// calls Run.
func NewStreamRx(opts DecoderOptions, onBlock func([]byte), logger *slog.Logger) *StreamRx {
	return &StreamRx{
		logger:  logger.With("component", "fec"),
		decoder: NewDecoder(opts),
		onBlock: onBlock,
	}
}

// Run consumes packets until the channel is closed or ctx is done.
func (r *StreamRx) Run(ctx context.Context, packets <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-packets:
			if !ok {
				return nil
			}
			block, done := r.decoder.AddPacket(p)
			r.mu.Lock()
			r.stats = r.decoder.Stats()
			r.mu.Unlock()
			if done {
				r.logger.Log(ctx, logging.LevelTrace.ToSlog(), "block complete", "len", len(block))
				r.onBlock(block)
			}
		}
	}
}

// Stats returns the decoder counters as of the last packet.
func (r *StreamRx) Stats() DecoderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
