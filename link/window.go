package link

import "github.com/frobware/go-wblink"

// verdict classifies a nonce against a replay window.
type verdict int

const (
	fresh verdict = iota
	duplicate
	replay
)

// window tracks the highest accepted nonce of one stream and which of
// the 64 nonces below it were seen, so that a second copy of a
// recent frame can be told apart from an old frame played back.
type window struct {
	started bool
	high    uint64
	seen    uint64
}

func (w *window) check(nonce uint64) verdict {
	if !w.started || nonce > w.high {
		return fresh
	}
	if d := w.high - nonce; d < 64 && w.seen&(1<<d) != 0 {
		return duplicate
	}
	return replay
}

// accept records nonce, which must have been checked fresh, and
// returns the number of nonces skipped since the previous high mark.
// The first nonce of a stream never counts as a gap.
func (w *window) accept(nonce uint64) (lost uint64) {
	if !w.started {
		w.started = true
		w.high = nonce
		w.seen = 1
		return 0
	}
	gap := nonce - w.high
	if gap >= 64 {
		w.seen = 0
	} else {
		w.seen <<= gap
	}
	w.seen |= 1
	w.high = nonce
	return gap - 1
}

type streamKey struct {
	gen    uint64
	sender wblink.Role
	port   wblink.RadioPort
}

// windows holds one window per (key generation, sender, port). Only
// the merge goroutine touches it.
type windows map[streamKey]*window

func (ws windows) get(k streamKey) *window {
	w, ok := ws[k]
	if !ok {
		w = &window{}
		ws[k] = w
	}
	return w
}

// prune drops windows for key generations no longer in use.
func (ws windows) prune(live map[uint64]bool) {
	for k := range ws {
		if !live[k.gen] {
			delete(ws, k)
		}
	}
}
