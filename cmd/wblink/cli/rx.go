package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/fec"
	"github.com/frobware/go-wblink/link"
)

// RxCmd receives payloads. Without --pipe it prints one line per
// payload.
type RxCmd struct {
	LinkFlags

	Port     wblink.RadioPort `help:"Radio port to receive on (name or number)." default:"video-primary"`
	AllPorts bool             `name:"all-ports" help:"Print payloads from every port."`
	Pipe     bool             `help:"Write received payloads to standard output."`
	FEC      bool             `name:"fec" help:"Reassemble blocks sent through the erasure code."`
	TunFlags
}

// Run executes the rx command.
func (c *RxCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := cli.startLink(ctx, c.LinkFlags, wblink.RoleGround)
	if err != nil {
		return err
	}
	if s.Engine == nil {
		return s.run(ctx)
	}
	if peer := s.Peer(); peer != nil {
		startPeerHello(s, peer, c.Port, c.FEC)
	}

	out := bufio.NewWriter(os.Stdout)
	var outMu sync.Mutex
	write := func(p []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		out.Write(p)
		out.Flush()
	}

	switch {
	case c.Tun != "":
		if err := startTunBridge(s, c.TunFlags, c.Port, false); err != nil {
			s.Close(context.Background(), "tun failed")
			return err
		}
	case c.FEC:
		onBlock := func(b []byte) {
			if c.Pipe {
				write(b)
				return
			}
			write([]byte(fmt.Sprintf("RX block len=%d first_bytes=%s\n", len(b), firstBytes(b))))
		}
		rx := fec.NewStreamRx(s.Config.FEC.DecoderOptions(), onBlock, s.Logger)
		packets := s.Engine.Receiver(c.Port).C()
		s.Go("fec receive", func(ctx context.Context) error {
			err := rx.Run(ctx, packets)
			st := rx.Stats()
			s.Logger.Info("fec receiver stopped", "blocks", st.Blocks, "recovered", st.Recovered, "dropped", st.Dropped)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	case c.Pipe:
		packets := s.Engine.Receiver(c.Port).C()
		s.Go("pipe", func(ctx context.Context) error {
			return copyPackets(ctx, packets, writerFunc(func(p []byte) (int, error) {
				write(p)
				return len(p), nil
			}))
		})
	default:
		s.Engine.RegisterRxCallback(func(nonce uint64, cardIndex int, port wblink.RadioPort, payload []byte) {
			if !c.AllPorts && port != c.Port {
				return
			}
			write([]byte(fmt.Sprintf("RX nonce=%d wlan=%d port=%d len=%d first_bytes=%s\n",
				nonce, cardIndex, port, len(payload), firstBytes(payload))))
		})
	}
	return s.run(ctx)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// copyPackets writes every packet to w in arrival order until packets
// is closed or ctx is done.
func copyPackets(ctx context.Context, packets <-chan []byte, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-packets:
			if !ok {
				return nil
			}
			if _, err := w.Write(p); err != nil {
				return fmt.Errorf("write payload: %w", err)
			}
		}
	}
}

// firstBytes formats up to eight leading bytes in hex.
func firstBytes(p []byte) string {
	var b strings.Builder
	for i := 0; i < len(p) && i < 8; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%x", p[i])
	}
	return b.String()
}

// startPeerHello makes the emulated peer send a numbered hello on port
// every second.
func startPeerHello(s *linkSession, peer *link.Engine, port wblink.RadioPort, useFEC bool) {
	var tx *fec.StreamTx
	if useFEC {
		tx = fec.NewStreamTx(context.Background(), peer.Sender(port, false), fec.StreamTxOptions{
			Encoder:    s.Config.FEC.Encoder(),
			QueueDepth: s.Config.FEC.BlockQueueDepth,
		}, s.Logger)
		s.OnTeardown(func(context.Context) error {
			tx.Close()
			return nil
		})
	}
	s.Go("peer hello", func(ctx context.Context) error {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for i := 0; ; i++ {
			payload := fmt.Appendf(nil, "Hello %d", i)
			if tx != nil {
				tx.EnqueueBlock(payload)
			} else if err := peer.Sender(port, false).Send(payload); err != nil {
				s.Logger.Debug("peer hello not sent", "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
}
