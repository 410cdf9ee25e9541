package fec_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-wblink/fec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func randomBlock(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestLayout(t *testing.T) {
	tests := []struct {
		name            string
		n, max, pct     int
		wantK, wantR    int
		wantSize        int
		wantErr         bool
	}{
		{name: "exact multiple", n: 1000, max: 100, pct: 25, wantK: 10, wantR: 3, wantSize: 100},
		{name: "uneven tail", n: 1001, max: 100, pct: 20, wantK: 11, wantR: 3, wantSize: 91},
		{name: "single small fragment", n: 5, max: 100, pct: 0, wantK: 1, wantR: 0, wantSize: 5},
		{name: "twenty percent of eight", n: 800, max: 100, pct: 20, wantK: 8, wantR: 2, wantSize: 100},
		{name: "parity capped", n: 200 * 10, max: 10, pct: 100, wantK: 200, wantR: 56, wantSize: 10},
		{name: "too many fragments", n: 256 * 10, max: 10, pct: 0, wantErr: true},
		{name: "empty", n: 0, max: 10, pct: 50, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, r, size, err := fec.Encoder{MaxFragmentPayload: tt.max, OverheadPercent: tt.pct}.Layout(tt.n)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantK, k, "data count")
			assert.Equal(t, tt.wantR, r, "parity count")
			assert.Equal(t, tt.wantSize, size, "shard size")
		})
	}
}

// combinations calls fn with every subset of size m of {0..n-1}.
func combinations(n, m int, fn func([]int)) {
	idx := make([]int, m)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == m {
			fn(append([]int(nil), idx...))
			return
		}
		for i := start; i < n; i++ {
			idx[depth] = i
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
}

func TestAnyKFragmentsReconstruct(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	enc := fec.Encoder{MaxFragmentPayload: 64, OverheadPercent: 50}
	block := randomBlock(rng, 64*4-17)

	frags, err := enc.Encode(9, block)
	require.NoError(t, err)
	require.Len(t, frags, 6)
	k := int(frags[0].DataCount)
	require.Equal(t, 4, k)

	combinations(len(frags), k, func(subset []int) {
		rng.Shuffle(len(subset), func(i, j int) { subset[i], subset[j] = subset[j], subset[i] })
		dec := fec.NewDecoder(fec.DecoderOptions{})
		var got []byte
		for n, i := range subset {
			out, ok := dec.AddPacket(frags[i].AppendBinary(nil))
			if n < k-1 {
				require.False(t, ok, "completed early with %v", subset[:n+1])
				continue
			}
			require.True(t, ok, "subset %v did not reconstruct", subset)
			got = out
		}
		require.Equal(t, block, got, "subset %v", subset)
	})

	combinations(len(frags), k-1, func(subset []int) {
		dec := fec.NewDecoder(fec.DecoderOptions{})
		for _, i := range subset {
			_, ok := dec.Add(frags[i])
			require.False(t, ok, "reconstructed from %d fragments", len(subset))
		}
	})
}

func TestDecoderEmitsOnce(t *testing.T) {
	enc := fec.Encoder{MaxFragmentPayload: 10, OverheadPercent: 100}
	frags, err := enc.Encode(1, []byte("twenty bytes of data"))
	require.NoError(t, err)
	require.Len(t, frags, 4)

	dec := fec.NewDecoder(fec.DecoderOptions{})
	delivered := 0
	for _, f := range frags {
		if _, ok := dec.Add(f); ok {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint64(2), dec.Stats().Late)
}

func TestDecoderOrdering(t *testing.T) {
	enc := fec.Encoder{MaxFragmentPayload: 8}
	older, err := enc.Encode(1, []byte("older block"))
	require.NoError(t, err)
	newer, err := enc.Encode(2, []byte("newer block"))
	require.NoError(t, err)

	dec := fec.NewDecoder(fec.DecoderOptions{})
	_, ok := dec.Add(older[0])
	require.False(t, ok)
	for _, f := range newer {
		_, ok = dec.Add(f)
	}
	require.True(t, ok)

	_, ok = dec.Add(older[1])
	assert.False(t, ok, "block older than an emitted block must not be delivered")
	st := dec.Stats()
	assert.Equal(t, uint64(1), st.Blocks)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestDecoderSenderRestart(t *testing.T) {
	enc := fec.Encoder{MaxFragmentPayload: 16}
	dec := fec.NewDecoder(fec.DecoderOptions{MaxPendingBlocks: 4})
	add := func(id uint64, block string) bool {
		frags, err := enc.Encode(id, []byte(block))
		require.NoError(t, err)
		ok := false
		for _, f := range frags {
			if _, done := dec.Add(f); done {
				ok = true
			}
		}
		return ok
	}

	require.True(t, add(500, "before restart"))
	assert.False(t, add(498, "straggler"), "a block just behind the last one is late")
	assert.Equal(t, uint64(1), dec.Stats().Late)

	for id := uint64(0); id < 5; id++ {
		assert.True(t, add(id, fmt.Sprintf("after restart %d", id)), "block %d", id)
	}
	st := dec.Stats()
	assert.Equal(t, uint64(1), st.Restarts)
	assert.Equal(t, uint64(6), st.Blocks)
	assert.Equal(t, uint64(1), st.Late)
}

func TestDecoderGarbageCollects(t *testing.T) {
	now := time.Unix(0, 0)
	dec := fec.NewDecoder(fec.DecoderOptions{
		MaxBlockAge:      100 * time.Millisecond,
		MaxPendingBlocks: 2,
		Now:              func() time.Time { return now },
	})
	enc := fec.Encoder{MaxFragmentPayload: 4}
	encode := func(id uint64) []fec.Fragment {
		frags, err := enc.Encode(id, []byte("0123456789"))
		require.NoError(t, err)
		return frags
	}

	b1 := encode(1)
	_, ok := dec.Add(b1[0])
	require.False(t, ok)
	now = now.Add(150 * time.Millisecond)
	for _, f := range b1[1:] {
		_, ok = dec.Add(f)
		assert.False(t, ok, "expired block must not complete")
	}
	assert.GreaterOrEqual(t, dec.Stats().Dropped, uint64(1))

	dec = fec.NewDecoder(fec.DecoderOptions{MaxPendingBlocks: 2})
	for id := uint64(10); id < 14; id++ {
		_, ok = dec.Add(encode(id)[0])
		require.False(t, ok)
	}
	assert.Equal(t, uint64(2), dec.Stats().Dropped)
	for _, f := range encode(10)[1:] {
		_, ok = dec.Add(f)
		assert.False(t, ok, "trimmed block must not complete")
	}
}

func TestDecoderRejectsMalformed(t *testing.T) {
	enc := fec.Encoder{MaxFragmentPayload: 16, OverheadPercent: 50}
	frags, err := enc.Encode(3, bytes.Repeat([]byte{0xab}, 40))
	require.NoError(t, err)
	good := frags[0].AppendBinary(nil)

	mutate := func(fn func(b []byte) []byte) []byte {
		return fn(append([]byte(nil), good...))
	}
	tests := map[string][]byte{
		"short header":      good[:fec.HeaderSize-1],
		"zero data count":   mutate(func(b []byte) []byte { b[10], b[11] = 0, 0; return b }),
		"index past shards": mutate(func(b []byte) []byte { b[8], b[9] = 0, 200; return b }),
		"too many shards":   mutate(func(b []byte) []byte { b[12], b[13] = 1, 0; return b }),
		"payload too long":  append(append([]byte(nil), good...), 1),
		"payload truncated": good[:len(good)-1],
		"zero block len":    mutate(func(b []byte) []byte { copy(b[14:18], []byte{0, 0, 0, 0}); return b }),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := fec.ParseFragment(data)
			assert.ErrorIs(t, err, fec.ErrMalformed)
			dec := fec.NewDecoder(fec.DecoderOptions{})
			_, ok := dec.AddPacket(data)
			assert.False(t, ok)
			assert.Equal(t, uint64(1), dec.Stats().Malformed)
		})
	}

	t.Run("shape changes within block", func(t *testing.T) {
		dec := fec.NewDecoder(fec.DecoderOptions{})
		_, ok := dec.Add(frags[0])
		require.False(t, ok)
		other, err := enc.Encode(3, bytes.Repeat([]byte{0xcd}, 33))
		require.NoError(t, err)
		_, ok = dec.Add(other[1])
		assert.False(t, ok)
		assert.Equal(t, uint64(1), dec.Stats().Malformed)
	})

	t.Run("random garbage never panics", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		dec := fec.NewDecoder(fec.DecoderOptions{})
		for i := 0; i < 5000; i++ {
			b := randomBlock(rng, rng.Intn(64))
			if len(b) >= fec.HeaderSize {
				// Keep counts small so some inputs get past parsing.
				b[10], b[12] = 0, 0
			}
			assert.NotPanics(t, func() { dec.AddPacket(b) })
		}
	})
}

// Every block loses exactly 20% of its fragments; parity sized at 20%
// of the data count covers the loss.
func TestTwentyPercentLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(20))
	enc := fec.Encoder{MaxFragmentPayload: 100, OverheadPercent: 20}
	dec := fec.NewDecoder(fec.DecoderOptions{})

	const blocks = 200
	delivered := 0
	for id := uint64(0); id < blocks; id++ {
		block := randomBlock(rng, 750+rng.Intn(50))
		frags, err := enc.Encode(id, block)
		require.NoError(t, err)
		require.Len(t, frags, 10)

		lost := map[int]bool{}
		for _, i := range rng.Perm(len(frags))[:len(frags)/5] {
			lost[i] = true
		}
		for i, f := range frags {
			if lost[i] {
				continue
			}
			if out, ok := dec.Add(f); ok {
				require.Equal(t, block, out)
				delivered++
			}
		}
	}
	assert.GreaterOrEqual(t, float64(delivered)/blocks, 0.95)
	assert.Equal(t, uint64(delivered), dec.Stats().Blocks)
}

type gatedSender struct {
	started chan struct{}
	gate    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent [][]byte
}

func (s *gatedSender) Send(p []byte) error {
	s.once.Do(func() { close(s.started) })
	<-s.gate
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	s.mu.Unlock()
	return nil
}

func (s *gatedSender) packets() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func TestStreamTxDropsOldest(t *testing.T) {
	s := &gatedSender{started: make(chan struct{}), gate: make(chan struct{})}
	tx := fec.NewStreamTx(context.Background(), s, fec.StreamTxOptions{
		Encoder:    fec.Encoder{MaxFragmentPayload: 32},
		QueueDepth: 2,
	}, testLogger())

	require.True(t, tx.EnqueueBlock([]byte("block-0")))
	<-s.started

	assert.True(t, tx.EnqueueBlock([]byte("block-1")))
	assert.True(t, tx.EnqueueBlock([]byte("block-2")))
	assert.False(t, tx.EnqueueBlock([]byte("block-3")), "full queue drops oldest")

	close(s.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tx.Flush(ctx))
	require.Eventually(t, func() bool { return len(s.packets()) == 3 }, 5*time.Second, time.Millisecond)
	tx.Close()

	var got []string
	dec := fec.NewDecoder(fec.DecoderOptions{})
	for _, p := range s.packets() {
		if b, ok := dec.AddPacket(p); ok {
			got = append(got, string(b))
		}
	}
	assert.Equal(t, []string{"block-0", "block-2", "block-3"}, got)
	st := tx.Stats()
	assert.Equal(t, uint64(4), st.Enqueued)
	assert.Equal(t, uint64(1), st.DroppedBlocks)
	assert.Equal(t, uint64(3), st.Fragments)
}

type chanSender chan []byte

func (c chanSender) Send(p []byte) error {
	c <- append([]byte(nil), p...)
	return nil
}

func TestStreamRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wire := make(chanSender, 1024)
	tx := fec.NewStreamTx(ctx, wire, fec.StreamTxOptions{
		Encoder:    fec.Encoder{MaxFragmentPayload: 50, OverheadPercent: 30},
		QueueDepth: 64,
	}, testLogger())
	defer tx.Close()

	var mu sync.Mutex
	var got [][]byte
	rx := fec.NewStreamRx(fec.DecoderOptions{}, func(b []byte) {
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	}, testLogger())
	done := make(chan error, 1)
	go func() { done <- rx.Run(ctx, wire) }()

	rng := rand.New(rand.NewSource(3))
	var want [][]byte
	for i := 0; i < 20; i++ {
		b := randomBlock(rng, 1+rng.Intn(400))
		want = append(want, b)
		require.True(t, tx.EnqueueBlock(b))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 5*time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, uint64(20), rx.Stats().Blocks)
}
