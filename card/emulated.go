package card

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/radiotap"
)

// MediumOptions configure an emulated broadcast medium.
type MediumOptions struct {
	// LossRate is the independent probability that a receiver misses a
	// frame.
	LossRate float64
	// Seed seeds the loss generator so runs are reproducible.
	Seed int64
	// Drop, when set, decides loss instead of LossRate. rx is the index
	// of the receiving card; frame excludes the radiotap header.
	Drop func(rx int, frame []byte) bool
	// QueueDepth bounds each card's receive queue. Frames arriving at a
	// full queue are lost.
	QueueDepth int
	// FreqMHz is reported in the capture header.
	FreqMHz uint16
}

// Medium is an in-process broadcast channel. Every frame injected by
// one attached card is delivered to every other attached card.
type Medium struct {
	opts MediumOptions

	mu    sync.Mutex
	rng   *rand.Rand
	cards []*Emulated
}

// NewMedium returns an empty medium.
func NewMedium(opts MediumOptions) *Medium {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 4096
	}
	if opts.FreqMHz == 0 {
		opts.FreqMHz = 5180
	}
	return &Medium{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
}

// Emulated is a Card attached to a Medium.
type Emulated struct {
	medium *Medium
	index  int
	info   wblink.WifiCard

	signal atomic.Int32
	badFCS atomic.Bool

	rx        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	overflow  atomic.Uint64
}

// Attach adds a card named name to the medium.
func (m *Medium) Attach(name string) *Emulated {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Emulated{
		medium: m,
		index:  len(m.cards),
		info:   wblink.WifiCard{DeviceName: name, Type: wblink.CardTypeEmulated},
		rx:     make(chan []byte, m.opts.QueueDepth),
		closed: make(chan struct{}),
	}
	c.signal.Store(-50)
	m.cards = append(m.cards, c)
	return c
}

// SetSignal sets the signal strength reported for frames this card
// receives.
func (c *Emulated) SetSignal(dbm int8) { c.signal.Store(int32(dbm)) }

// SetBadFCS marks frames this card receives as failing the FCS check
// and corrupts their last byte.
func (c *Emulated) SetBadFCS(bad bool) { c.badFCS.Store(bad) }

// Overflows counts frames lost to a full receive queue.
func (c *Emulated) Overflows() uint64 { return c.overflow.Load() }

// Pending returns the number of frames waiting to be read.
func (c *Emulated) Pending() int { return len(c.rx) }

// Info implements Card.
func (c *Emulated) Info() wblink.WifiCard { return c.info }

// Inject implements Card.
func (c *Emulated) Inject(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	n, err := radiotap.HeaderLen(frame)
	if err != nil {
		return fmt.Errorf("inject on %s: %w", c.info.DeviceName, err)
	}
	body := frame[n:]

	m := c.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rx := range m.cards {
		if rx == c {
			continue
		}
		if m.opts.Drop != nil {
			if m.opts.Drop(rx.index, body) {
				continue
			}
		} else if m.opts.LossRate > 0 && m.rng.Float64() < m.opts.LossRate {
			continue
		}
		rx.deliver(body, m.opts.FreqMHz)
	}
	return nil
}

func (c *Emulated) deliver(body []byte, freq uint16) {
	info := radiotap.RxInfo{
		SignalDBM: int8(c.signal.Load()),
		NoiseDBM:  -95,
		HasSignal: true,
		FreqMHz:   freq,
		BadFCS:    c.badFCS.Load(),
	}
	hdr, err := radiotap.RxHeader(info)
	if err != nil {
		return
	}
	out := make([]byte, 0, len(hdr)+len(body))
	out = append(out, hdr...)
	out = append(out, body...)
	if info.BadFCS && len(body) > 0 {
		out[len(out)-1] ^= 0xff
	}
	select {
	case <-c.closed:
	case c.rx <- out:
	default:
		c.overflow.Add(1)
	}
}

// ReadFrame implements Card.
func (c *Emulated) ReadFrame(buf []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	case f := <-c.rx:
		return copy(buf, f), nil
	}
}

// Close implements Card.
func (c *Emulated) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
