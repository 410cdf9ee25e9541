package link

import (
	"sync"
	"sync/atomic"

	"github.com/frobware/go-wblink"
)

// PortSender injects on one port with the engine's current radiotap
// parameters. It satisfies fec.PacketSender.
type PortSender struct {
	e           *Engine
	port        wblink.RadioPort
	lowPriority bool
}

// Sender returns a sender for port.
func (e *Engine) Sender(port wblink.RadioPort, lowPriority bool) *PortSender {
	return &PortSender{e: e, port: port, lowPriority: lowPriority}
}

// Send injects payload. The payload is not retained.
func (s *PortSender) Send(payload []byte) error {
	return s.e.Inject(s.port, payload, s.e.holder.Snapshot(), s.lowPriority)
}

// PortReceiver buffers the payloads delivered on one port. When the
// buffer is full the oldest payload is discarded.
type PortReceiver struct {
	port    wblink.RadioPort
	ch      chan []byte
	dropped atomic.Uint64
	once    sync.Once
}

// Receiver returns the receiver for port, creating it on first use.
// Its channel is closed by StopReceiving.
func (e *Engine) Receiver(port wblink.RadioPort) *PortReceiver {
	e.portMu.Lock()
	defer e.portMu.Unlock()
	if r, ok := e.receivers[port]; ok {
		return r
	}
	r := &PortReceiver{port: port, ch: make(chan []byte, e.opts.AppQueueDepth)}
	if e.isStopped.Load() {
		r.close()
	}
	e.receivers[port] = r
	return r
}

// Port returns the port r receives on.
func (r *PortReceiver) Port() wblink.RadioPort { return r.port }

// C returns the channel of delivered payloads.
func (r *PortReceiver) C() <-chan []byte { return r.ch }

// Dropped counts payloads discarded because the channel was full.
func (r *PortReceiver) Dropped() uint64 { return r.dropped.Load() }

func (r *PortReceiver) push(p []byte) {
	if pushDropOldest(r.ch, p) {
		r.dropped.Add(1)
	}
}

func (r *PortReceiver) close() {
	r.once.Do(func() { close(r.ch) })
}
