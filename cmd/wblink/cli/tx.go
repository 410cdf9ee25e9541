package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/fec"
	"github.com/frobware/go-wblink/frame"
	"github.com/frobware/go-wblink/link"
)

// TxCmd transmits payloads. Without --pipe it sends a numbered hello
// every --interval.
type TxCmd struct {
	LinkFlags

	Port          wblink.RadioPort `help:"Radio port to transmit on (name or number)." default:"video-primary"`
	Pipe          bool             `help:"Transmit standard input."`
	PipeChunkSize int              `name:"pipe-chunk-size" help:"Bytes read from standard input per payload (per block with --fec)." default:"1400"`
	Interval      time.Duration    `help:"Pause between hello payloads." default:"100ms"`
	Count         int              `help:"Stop after this many hello payloads (0 sends forever)."`
	FEC           bool             `name:"fec" help:"Send through the block erasure code."`
	LowPriority   bool             `name:"low-priority" help:"Drop payloads while injection is slow."`
	TunFlags
}

// Validate checks flag combinations kong cannot express.
func (c *TxCmd) Validate() error {
	if c.PipeChunkSize <= 0 {
		return &wblink.ConfigError{Field: "pipe-chunk-size", Value: c.PipeChunkSize, Reason: "must be positive"}
	}
	if c.Pipe && !c.FEC && c.PipeChunkSize > frame.MaxPayload {
		return &wblink.ConfigError{Field: "pipe-chunk-size", Value: c.PipeChunkSize, Reason: fmt.Sprintf("exceeds the %d byte frame payload; use --fec for larger chunks", frame.MaxPayload)}
	}
	if c.Pipe && c.Tun != "" {
		return &wblink.ConfigError{Field: "tun", Value: c.Tun, Reason: "cannot be combined with --pipe"}
	}
	if c.Interval <= 0 {
		return &wblink.ConfigError{Field: "interval", Value: c.Interval, Reason: "must be positive"}
	}
	return nil
}

// Run executes the tx command.
func (c *TxCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := cli.startLink(ctx, c.LinkFlags, wblink.RoleAir)
	if err != nil {
		return err
	}
	if s.Engine == nil {
		return s.run(ctx)
	}
	if peer := s.Peer(); peer != nil {
		logPeerDeliveries(s, peer)
	}

	send := func(payload []byte) error {
		return s.Engine.Inject(c.Port, payload, s.Engine.Radiotap().Snapshot(), c.LowPriority)
	}
	var tx *fec.StreamTx
	if c.FEC {
		// The sender outlives the session context so that teardown can flush it.
		tx = fec.NewStreamTx(context.Background(), s.Engine.Sender(c.Port, c.LowPriority), fec.StreamTxOptions{
			Encoder:    s.Config.FEC.Encoder(),
			QueueDepth: s.Config.FEC.BlockQueueDepth,
		}, s.Logger)
		s.OnTeardown(func(ctx context.Context) error {
			err := tx.Flush(ctx)
			tx.Close()
			st := tx.Stats()
			s.Logger.Info("fec sender stopped", "blocks", st.Enqueued, "dropped", st.DroppedBlocks, "fragments", st.Fragments)
			return err
		})
	}

	switch {
	case c.Tun != "":
		if err := startTunBridge(s, c.TunFlags, c.Port, c.LowPriority); err != nil {
			s.Close(context.Background(), "tun failed")
			return err
		}
	case c.Pipe:
		// A read from stdin cannot be interrupted, so shutdown does not
		// wait for this goroutine.
		go func() {
			if err := c.pipe(s.Context(), s, os.Stdin, send, tx); err != nil {
				s.Terminate("pipe: " + err.Error())
			}
		}()
	default:
		s.Go("hello", func(ctx context.Context) error {
			return c.hello(ctx, s, send, tx)
		})
	}
	return s.run(ctx)
}

// pipe transmits r in chunks until EOF. With FEC each chunk is one
// block and the next chunk waits for the queue to drain, so a file is
// never dropped from the queue.
func (c *TxCmd) pipe(ctx context.Context, s *linkSession, r io.Reader, send func([]byte) error, tx *fec.StreamTx) error {
	buf := make([]byte, c.PipeChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if tx != nil {
				if err := tx.Flush(ctx); err != nil {
					return nil
				}
				tx.EnqueueBlock(buf[:n])
			} else if err := send(buf[:n]); err != nil {
				if errors.Is(err, link.ErrStopped) {
					return nil
				}
				s.Logger.Warn("inject failed", "error", err)
			}
			s.Logger.Debug("TX pipe chunk", "bytes", n)
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			if tx != nil {
				_ = tx.Flush(ctx)
			}
			s.Terminate("input closed")
			return nil
		case err != nil:
			return fmt.Errorf("read standard input: %w", err)
		}
	}
}

func (c *TxCmd) hello(ctx context.Context, s *linkSession, send func([]byte) error, tx *fec.StreamTx) error {
	t := time.NewTicker(c.Interval)
	defer t.Stop()
	for i := 0; c.Count == 0 || i < c.Count; i++ {
		payload := fmt.Appendf(nil, "Hello %d", i)
		if tx != nil {
			tx.EnqueueBlock(payload)
		} else if err := send(payload); err != nil {
			if errors.Is(err, link.ErrStopped) {
				return nil
			}
			s.Logger.Warn("inject failed", "error", err)
		}
		fmt.Fprintf(os.Stdout, "TX: %s\n", payload)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
	s.Terminate("done")
	return nil
}

// logPeerDeliveries reports what the emulated peer receives.
func logPeerDeliveries(s *linkSession, peer *link.Engine) {
	logger := s.Logger.With("peer", peer.Role().String())
	peer.RegisterRxCallback(func(nonce uint64, cardIndex int, port wblink.RadioPort, payload []byte) {
		logger.Info("peer received", "nonce", nonce, "port", port.String(), "len", len(payload))
	})
}
