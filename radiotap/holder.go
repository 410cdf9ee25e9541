package radiotap

import (
	"sync"
)

// Snapshot is an immutable pairing of parameters and the radiotap
// header serialised from them. Injectors use one Snapshot per frame,
// so a frame never mixes values from two different Set calls.
type Snapshot struct {
	Params Params
	header []byte
}

// Header returns the serialised radiotap header. Callers must not
// modify the returned slice.
func (s Snapshot) Header() []byte { return s.header }

// NewSnapshot serialises p into a Snapshot without validation. It is
// intended for one-off injections; long-lived senders use a Holder.
func NewSnapshot(p Params) (Snapshot, error) {
	hdr, err := Header(p)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Params: p, header: hdr}, nil
}

// Holder owns the active transmit parameters. It is written by a
// control path and read by every injection.
type Holder struct {
	mu   sync.Mutex
	caps Capabilities
	snap Snapshot

	updateMu sync.Mutex
}

// NewHolder creates a Holder. The initial parameters must be valid
// for caps.
func NewHolder(initial Params, caps Capabilities) (*Holder, error) {
	h := &Holder{caps: caps}
	if err := h.Set(initial); err != nil {
		return nil, err
	}
	return h, nil
}

// Set validates and atomically installs p. On error the previous
// parameters stay active.
func (h *Holder) Set(p Params) error {
	if err := h.caps.Validate(p); err != nil {
		return err
	}
	// Serialise outside the lock; only the swap is guarded.
	snap, err := NewSnapshot(p)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.snap = snap
	h.mu.Unlock()
	return nil
}

// Update applies fn to a copy of the current parameters and installs
// the result. The read-modify-write is serialised against other
// Update calls but not against Set.
func (h *Holder) Update(fn func(*Params)) error {
	h.updateMu.Lock()
	defer h.updateMu.Unlock()
	p := h.Get()
	fn(&p)
	return h.Set(p)
}

// Get returns the current parameters.
func (h *Holder) Get() Params {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap.Params
}

// Snapshot returns the current parameters together with their header.
func (h *Holder) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// Capabilities returns the bounds Set validates against.
func (h *Holder) Capabilities() Capabilities {
	return h.caps
}
