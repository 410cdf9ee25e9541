package cli

import (
	"context"
	"errors"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/frame"
	"github.com/frobware/go-wblink/link"
)

// TunFlags configure the IP bridge.
type TunFlags struct {
	Tun     string `help:"Bridge IP packets between this TUN device and the port."`
	TunAddr string `name:"tun-addr" help:"Address to assign to the TUN device (CIDR)."`
}

// tunDevice is the part of a TUN interface the bridge uses.
type tunDevice interface {
	Name() string
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// startTunBridge carries IP packets between a TUN device and port in
// both directions. Both ends use the same port number: frames are
// told apart by the sender role.
func startTunBridge(s *linkSession, f TunFlags, port wblink.RadioPort, lowPriority bool) error {
	dev, err := openTun(f.Tun, f.TunAddr, frame.MaxPayload)
	if err != nil {
		return err
	}
	s.Logger.Info("bridging TUN device", "device", dev.Name(), "port", port.String())
	bridgeTun(s, dev, s.Engine, port, lowPriority)
	return nil
}

func bridgeTun(s *linkSession, dev tunDevice, e *link.Engine, port wblink.RadioPort, lowPriority bool) {
	rx := e.Receiver(port)
	s.OnTeardown(func(context.Context) error {
		return dev.Close()
	})

	s.Go("tun write", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case p, ok := <-rx.C():
				if !ok {
					return nil
				}
				if _, err := dev.Write(p); err != nil {
					s.Logger.Debug("TUN write failed", "error", err)
				}
			}
		}
	})

	// Reads are only interrupted by closing the device, which happens
	// at teardown, so shutdown does not wait for this goroutine.
	go func() {
		buf := make([]byte, frame.MaxPayload)
		for {
			n, err := dev.Read(buf)
			if err != nil {
				if s.Context().Err() == nil {
					s.Terminate("tun read: " + err.Error())
				}
				return
			}
			if err := e.Inject(port, buf[:n], e.Radiotap().Snapshot(), lowPriority); err != nil {
				if errors.Is(err, link.ErrStopped) {
					return
				}
				s.Logger.Debug("TUN packet not sent", "error", err)
			}
		}
	}()
}
