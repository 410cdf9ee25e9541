package link

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/card"
	"github.com/frobware/go-wblink/frame"
	"github.com/frobware/go-wblink/keys"
	"github.com/frobware/go-wblink/radiotap"
)

type rxFrame struct {
	card int
	info radiotap.RxInfo
	h    frame.Header
}

func (e *Engine) readLoop(ctx context.Context, i int) {
	defer e.wg.Done()
	c := e.cards[i]
	logger := e.logger.With("card", e.names[i])
	buf := make([]byte, readBufferSize)
	failures := 0
	for {
		n, err := c.ReadFrame(buf)
		if ctx.Err() != nil || errors.Is(err, card.ErrClosed) {
			return
		}
		if err != nil {
			failures++
			e.stats.card(i, func(s *CardStats) { s.ReadErrors++ })
			if failures >= maxReadFailures {
				logger.Error("card keeps failing", "error", err)
				e.lc.RequestTerminate("card " + e.names[i] + " failed: " + err.Error())
				return
			}
			logger.Debug("read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		failures = 0

		info, body, err := radiotap.ParseRx(buf[:n])
		if err != nil {
			e.stats.card(i, func(s *CardStats) { s.ReadErrors++ })
			continue
		}
		h, err := frame.Parse(body)
		if err != nil || h.Sender != e.peer {
			continue
		}
		e.stats.card(i, func(s *CardStats) {
			s.Packets++
			s.Bytes += uint64(len(body))
			if info.HasSignal {
				s.RSSI = info.SignalDBM
			}
			if info.BadFCS {
				s.BadFCS++
			}
		})
		// buf is reused by the next read.
		h, _ = frame.Parse(slices.Clone(body))
		if pushDropOldest(e.merge, rxFrame{card: i, info: info, h: h}) {
			e.stats.update(func(s *Stats) { s.MergeDrops++ })
		}
	}
}

type pendingKey struct {
	sender wblink.Role
	port   wblink.RadioPort
	nonce  uint64
}

type pendingSet struct {
	deadline time.Time
	copies   []rxFrame
}

// mergeLoop applies the diversity policy, authentication and replay
// protection to frames from every card. It is the only goroutine
// touching the replay windows.
func (e *Engine) mergeLoop(ctx context.Context) {
	defer e.wg.Done()
	ws := make(windows)
	pending := make(map[pendingKey]*pendingSet)
	var tick <-chan time.Time
	if e.opts.Diversity == LowestError {
		t := time.NewTicker(max(e.opts.DiversityWindow/2, time.Millisecond))
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.merge:
			if e.opts.Diversity == FirstArrival || f.h.Port == wblink.PortSessionKey {
				e.process(f, ws)
				continue
			}
			k := pendingKey{sender: f.h.Sender.Role(), port: f.h.Port, nonce: f.h.Nonce}
			p, ok := pending[k]
			if !ok {
				p = &pendingSet{deadline: time.Now().Add(e.opts.DiversityWindow)}
				pending[k] = p
			}
			p.copies = append(p.copies, f)
			if len(p.copies) >= len(e.cards) {
				e.resolveThrough(pending, k, ws)
			}
		case now := <-tick:
			var due []pendingKey
			for k, p := range pending {
				if !now.Before(p.deadline) {
					due = append(due, k)
				}
			}
			slices.SortFunc(due, func(a, b pendingKey) int { return cmp.Compare(a.nonce, b.nonce) })
			for _, k := range due {
				if _, ok := pending[k]; ok {
					e.resolveThrough(pending, k, ws)
				}
			}
		}
	}
}

// resolveThrough resolves every pending set of limit's stream with a
// nonce up to limit's, lowest first, so that nonces are delivered in
// order.
func (e *Engine) resolveThrough(pending map[pendingKey]*pendingSet, limit pendingKey, ws windows) {
	var due []pendingKey
	for k := range pending {
		if k.sender == limit.sender && k.port == limit.port && k.nonce <= limit.nonce {
			due = append(due, k)
		}
	}
	slices.SortFunc(due, func(a, b pendingKey) int { return cmp.Compare(a.nonce, b.nonce) })
	for _, k := range due {
		e.resolve(pending[k].copies, ws)
		delete(pending, k)
	}
}

// resolve delivers the best copy: one without an FCS error first,
// then the strongest signal.
func (e *Engine) resolve(copies []rxFrame, ws windows) {
	slices.SortStableFunc(copies, func(a, b rxFrame) int {
		if a.info.BadFCS != b.info.BadFCS {
			if a.info.BadFCS {
				return 1
			}
			return -1
		}
		return cmp.Compare(b.info.SignalDBM, a.info.SignalDBM)
	})
	for i, c := range copies {
		if e.process(c, ws) {
			for _, rest := range copies[i+1:] {
				e.stats.card(rest.card, func(s *CardStats) { s.Duplicates++ })
			}
			return
		}
	}
}

// process authenticates f and delivers it if its nonce is fresh. It
// reports whether f was delivered.
func (e *Engine) process(f rxFrame, ws windows) bool {
	if f.h.Port == wblink.PortSessionKey {
		e.handleKeyPacket(f, ws)
		return true
	}
	slots := e.keys.RxSlots()
	if len(slots) == 0 {
		e.stats.update(func(s *Stats) { s.NoKeyDrops++ })
		return false
	}
	stream := func(s *keys.Slot) streamKey {
		return streamKey{gen: s.Gen, sender: f.h.Sender.Role(), port: f.h.Port}
	}

	// Copies no live key could accept are dropped without decrypting.
	seenBefore := true
	for _, s := range slots {
		if f.h.Nonce >= s.Activation && ws.get(stream(s)).check(f.h.Nonce) == fresh {
			seenBefore = false
			break
		}
	}
	if seenBefore {
		e.countStale(f, slots, ws, stream)
		return false
	}

	for _, s := range slots {
		payload, err := frame.Open(nil, f.h, s.AEAD)
		if err != nil {
			continue
		}
		w := ws.get(stream(s))
		if f.h.Nonce < s.Activation || w.check(f.h.Nonce) != fresh {
			e.countStale(f, []*keys.Slot{s}, ws, stream)
			return false
		}
		lost := w.accept(f.h.Nonce)
		e.stats.card(f.card, func(s *CardStats) { s.Delivered++ })
		e.stats.port(f.h.Port, func(s *PortStats) {
			s.Delivered++
			s.Lost += lost
		})
		d := Delivery{Nonce: f.h.Nonce, Card: f.card, Port: f.h.Port, Payload: payload}
		if pushDropOldest(e.app, d) {
			e.stats.update(func(s *Stats) { s.AppDrops++ })
		}
		return true
	}
	e.stats.card(f.card, func(s *CardStats) { s.AuthFailures++ })
	return false
}

func (e *Engine) countStale(f rxFrame, slots []*keys.Slot, ws windows, stream func(*keys.Slot) streamKey) {
	for _, s := range slots {
		if f.h.Nonce >= s.Activation && ws.get(stream(s)).check(f.h.Nonce) == duplicate {
			e.stats.card(f.card, func(s *CardStats) { s.Duplicates++ })
			return
		}
	}
	e.stats.card(f.card, func(s *CardStats) { s.Replays++ })
}

func (e *Engine) handleKeyPacket(f rxFrame, ws windows) {
	e.stats.update(func(s *Stats) { s.KeyPackets++ })
	changed, err := e.keys.HandleKeyPacket(f.h.Body)
	switch {
	case err == nil:
	case wblink.IsFatal(err):
		e.logger.Error("session key failure", "error", err)
		e.lc.RequestTerminate(err.Error())
		return
	default:
		e.stats.update(func(s *Stats) { s.KeyErrors++ })
		e.logger.Debug("key packet rejected", "card", e.names[f.card], "error", err)
		return
	}
	if !changed {
		return
	}
	e.stats.update(func(s *Stats) { s.KeyChanges++ })
	live := make(map[uint64]bool)
	for _, s := range e.keys.RxSlots() {
		live[s.Gen] = true
	}
	ws.prune(live)
	e.logger.Info("peer session key adopted", "card", e.names[f.card], "state", e.keys.State().String())
}
