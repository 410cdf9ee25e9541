// Package link is the multi-card link engine. It seals application
// payloads into broadcast frames, injects them on every transmit card,
// and merges the copies received on all cards into one authenticated,
// de-duplicated stream per radio port.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/card"
	"github.com/frobware/go-wblink/frame"
	"github.com/frobware/go-wblink/keys"
	"github.com/frobware/go-wblink/lifecycle"
	"github.com/frobware/go-wblink/radiotap"
)

// ErrStopped is returned by operations on a stopped engine.
var ErrStopped = errors.New("link engine stopped")

// RxFunc receives one authenticated payload. cardIndex identifies the
// card whose copy was delivered. payload is owned by the callee.
type RxFunc func(nonce uint64, cardIndex int, port wblink.RadioPort, payload []byte)

// Delivery is one payload handed to the application.
type Delivery struct {
	Nonce   uint64
	Card    int
	Port    wblink.RadioPort
	Payload []byte
}

type runState int

const (
	idle runState = iota
	running
	stopped
)

const (
	readBufferSize  = 4096
	readRetryDelay  = 10 * time.Millisecond
	maxReadFailures = 100
)

// Engine owns a set of cards for its lifetime.
type Engine struct {
	id     uuid.UUID
	opts   Options
	role   wblink.Role
	self   frame.LinkID
	peer   frame.LinkID
	cards  []card.Card
	names  []string
	tx     []int
	holder *radiotap.Holder
	keys   *keys.Manager
	lc     *lifecycle.Coordinator
	logger *slog.Logger
	stats  *counters

	txMu      sync.Mutex
	nonces    [256]uint64
	txBuf     []byte
	lastWrite atomic.Int64

	cbMu     sync.RWMutex
	callback RxFunc

	portMu    sync.Mutex
	receivers map[wblink.RadioPort]*PortReceiver

	runMu     sync.Mutex
	state     runState
	isStopped atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	merge chan rxFrame
	app   chan Delivery
}

// New creates an engine over cards. The engine takes ownership of the
// cards and closes them in StopReceiving. km must transmit as the role
// selected by opts. A nil lc gets a private coordinator.
func New(cards []card.Card, opts Options, holder *radiotap.Holder, km *keys.Manager, lc *lifecycle.Coordinator, logger *slog.Logger) (*Engine, error) {
	if len(cards) == 0 {
		return nil, &wblink.ConfigError{Field: "cards", Reason: "at least one card is required"}
	}
	if holder == nil {
		return nil, &wblink.ConfigError{Field: "radiotap", Reason: "holder is required"}
	}
	if km == nil {
		return nil, &wblink.ConfigError{Field: "keys", Reason: "key manager is required"}
	}
	opts.setDefaults()
	role := opts.Role()
	if km.Role() != role {
		return nil, &wblink.ConfigError{Field: "role", Value: role, Reason: "key manager transmits as " + km.Role().String()}
	}
	if lc == nil {
		lc = lifecycle.New()
	}

	id := uuid.New()
	e := &Engine{
		id:        id,
		opts:      opts,
		role:      role,
		self:      frame.NewLinkID(role, opts.UnitID),
		peer:      frame.NewLinkID(role.Peer(), opts.UnitID),
		cards:     cards,
		holder:    holder,
		keys:      km,
		lc:        lc,
		receivers: make(map[wblink.RadioPort]*PortReceiver),
		merge:     make(chan rxFrame, opts.RxQueueDepth),
		app:       make(chan Delivery, opts.AppQueueDepth),
		logger:    logger.With("component", "link", "instance", id.String(), "role", role.String()),
	}
	for i, c := range cards {
		info := c.Info()
		e.names = append(e.names, info.DeviceName)
		if !info.RxOnly {
			e.tx = append(e.tx, i)
		}
	}
	e.stats = newCounters(e.names)
	if len(e.tx) == 0 {
		e.logger.Warn("no card can transmit, running receive only")
	}
	e.logger.Info("link engine created",
		"cards", wblink.CardsString(card.Infos(cards)),
		"unit", fmt.Sprintf("%06x", opts.UnitID),
		"diversity", opts.Diversity.String())
	return e, nil
}

// ID identifies this engine instance in logs and stats.
func (e *Engine) ID() string { return e.id.String() }

// Role returns the role the engine transmits as.
func (e *Engine) Role() wblink.Role { return e.role }

// Cards describes the engine's cards in index order.
func (e *Engine) Cards() []wblink.WifiCard { return card.Infos(e.cards) }

// Radiotap returns the holder of the default transmit parameters.
func (e *Engine) Radiotap() *radiotap.Holder { return e.holder }

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()
	s.InstanceID = e.id.String()
	s.Role = e.role.String()
	s.KeyState = e.keys.State().String()
	return s
}

// Inject seals payload for port with the current session key and
// transmits it on every transmit card using the radiotap header in
// snap; a zero snap uses the engine's current parameters. Low priority
// payloads are discarded while injection is slower than
// MaxSaneInjectionTime. A TransportError is returned only if every
// card failed.
func (e *Engine) Inject(port wblink.RadioPort, payload []byte, snap radiotap.Snapshot, lowPriority bool) error {
	if port == wblink.PortSessionKey {
		return &wblink.ConfigError{Field: "port", Value: port, Reason: "reserved for session key announcements"}
	}
	if len(payload) > frame.MaxPayload {
		return &wblink.ConfigError{Field: "payload", Value: strconv.Itoa(len(payload)) + " bytes", Reason: fmt.Sprintf("exceeds %d bytes", frame.MaxPayload)}
	}
	if e.isStopped.Load() {
		return ErrStopped
	}
	if lowPriority && time.Duration(e.lastWrite.Load()) > e.opts.MaxSaneInjectionTime {
		e.stats.update(func(s *Stats) { s.LowPriorityDrops++ })
		return nil
	}
	if snap.Header() == nil {
		snap = e.holder.Snapshot()
	}

	e.txMu.Lock()
	defer e.txMu.Unlock()
	e.nonces[port]++
	e.txBuf = frame.Seal(e.txBuf[:0], snap.Header(), e.self, port, e.nonces[port], payload, e.keys.TxAEAD())
	return e.writeLocked(e.txBuf, port)
}

func (e *Engine) writeLocked(buf []byte, port wblink.RadioPort) error {
	if len(e.tx) == 0 {
		return &wblink.TransportError{Op: "inject", Err: errors.New("no transmit card")}
	}
	var errs []error
	for _, i := range e.tx {
		start := time.Now()
		err := e.cards[i].Inject(buf)
		took := time.Since(start)
		e.lastWrite.Store(int64(took))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.names[i], err))
			e.stats.card(i, func(s *CardStats) { s.InjectErrors++ })
			continue
		}
		slow := took > e.opts.MaxSaneInjectionTime
		e.stats.card(i, func(s *CardStats) {
			s.Injected++
			if slow {
				s.SlowInjection++
			}
		})
		if slow {
			e.logger.Debug("slow injection", "card", e.names[i], "took", took)
		}
	}
	if len(errs) == len(e.tx) {
		return &wblink.TransportError{Op: "inject", Cards: len(e.tx), Err: errors.Join(errs...)}
	}
	if len(errs) > 0 {
		e.logger.Debug("injection failed on some cards", "error", errors.Join(errs...))
	}
	e.stats.port(port, func(s *PortStats) { s.Sent++ })
	return nil
}

// announce transmits the current session key announcement.
func (e *Engine) announce() error {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	return e.announceLocked()
}

func (e *Engine) announceLocked() error {
	body, err := e.keys.KeyPacket()
	if err != nil {
		return err
	}
	e.nonces[wblink.PortSessionKey]++
	snap := e.holder.Snapshot()
	e.txBuf = frame.Build(e.txBuf[:0], snap.Header(), e.self, wblink.PortSessionKey, e.nonces[wblink.PortSessionKey], body)
	return e.writeLocked(e.txBuf, wblink.PortSessionKey)
}

// Rotate replaces the transmit session key and announces it. Nonces
// continue above every nonce used under the previous key.
func (e *Engine) Rotate() error {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	var high uint64
	for p, n := range e.nonces {
		if wblink.RadioPort(p) != wblink.PortSessionKey && n > high {
			high = n
		}
	}
	for p := range e.nonces {
		if wblink.RadioPort(p) != wblink.PortSessionKey {
			e.nonces[p] = high
		}
	}
	if err := e.keys.Rotate(high + 1); err != nil {
		return err
	}
	e.logger.Info("session key rotated", "activation", high+1)
	return e.announceLocked()
}

// RegisterRxCallback sets the function receiving every delivered
// payload. It may be called at any time; nil removes the callback.
func (e *Engine) RegisterRxCallback(fn RxFunc) {
	e.cbMu.Lock()
	e.callback = fn
	e.cbMu.Unlock()
}

// StartReceiving starts one capture loop per card, the merge and
// delivery stages, and periodic session key announcements. The first
// announcement is sent before it returns. Calling it on a running
// engine does nothing.
func (e *Engine) StartReceiving() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	switch e.state {
	case running:
		return nil
	case stopped:
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.state = running

	if err := e.announce(); err != nil {
		if wblink.IsFatal(err) {
			cancel()
			e.state = idle
			return err
		}
		e.logger.Warn("session key announcement failed", "error", err)
	}

	e.wg.Add(len(e.cards) + 3)
	for i := range e.cards {
		go e.readLoop(ctx, i)
	}
	go e.mergeLoop(ctx)
	go e.deliverLoop(ctx)
	go e.announceLoop(ctx)
	if e.opts.DebugRSSI > 0 || e.opts.DebugMultiRxPacketsVariance {
		e.wg.Add(1)
		go e.debugLoop(ctx)
	}
	e.logger.Info("receiving started")
	return nil
}

// StopReceiving stops every goroutine, closes the cards and waits for
// all capture loops to exit, after which the cards may be handed back
// to the system. It is idempotent. A stopped engine cannot be
// restarted.
func (e *Engine) StopReceiving() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.state == stopped {
		return nil
	}
	e.state = stopped
	e.isStopped.Store(true)
	if e.cancel != nil {
		e.cancel()
	}
	err := card.CloseAll(e.cards)
	e.wg.Wait()

	e.portMu.Lock()
	for _, r := range e.receivers {
		r.close()
	}
	e.portMu.Unlock()
	e.logger.Info("receiving stopped")
	return err
}

func (e *Engine) announceLoop(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.opts.SessionKeyPacketInterval)
	defer t.Stop()
	var rotate <-chan time.Time
	if e.opts.RotateInterval > 0 {
		rt := time.NewTicker(e.opts.RotateInterval)
		defer rt.Stop()
		rotate = rt.C
	}
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err = e.announce()
		case <-rotate:
			err = e.Rotate()
		}
		switch {
		case err == nil:
		case wblink.IsFatal(err):
			e.logger.Error("session key failure", "error", err)
			e.lc.RequestTerminate(err.Error())
			return
		default:
			e.logger.Debug("session key announcement failed", "error", err)
		}
	}
}

func (e *Engine) deliverLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.app:
			e.dispatch(d)
		}
	}
}

func (e *Engine) dispatch(d Delivery) {
	e.cbMu.RLock()
	cb := e.callback
	e.cbMu.RUnlock()
	if cb != nil {
		cb(d.Nonce, d.Card, d.Port, d.Payload)
	}
	e.portMu.Lock()
	r := e.receivers[d.Port]
	e.portMu.Unlock()
	if r != nil {
		r.push(d.Payload)
	}
}

func (e *Engine) debugLoop(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(time.Second)
	defer t.Stop()
	last := make([]uint64, len(e.cards))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s := e.stats.snapshot()
		if e.opts.DebugRSSI > 0 {
			for _, c := range s.Cards {
				e.logger.Info("rssi", "card", c.Name, "dbm", c.RSSI, "packets", c.Packets, "bad_fcs", c.BadFCS)
			}
		}
		if e.opts.DebugMultiRxPacketsVariance && len(s.Cards) > 1 {
			lo, hi := ^uint64(0), uint64(0)
			for i, c := range s.Cards {
				d := c.Packets - last[i]
				last[i] = c.Packets
				lo, hi = min(lo, d), max(hi, d)
			}
			e.logger.Info("rx packets per card", "min", lo, "max", hi, "spread", hi-lo)
		}
	}
}

// pushDropOldest sends v on ch, discarding the oldest queued entries
// while ch is full. It reports whether anything was discarded.
func pushDropOldest[T any](ch chan T, v T) (dropped bool) {
	for {
		select {
		case ch <- v:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}
