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

	"go.bug.st/serial"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/frame"
	"github.com/frobware/go-wblink/link"
)

const serialReadTimeout = 100 * time.Millisecond

// TelemetryCmd bridges a serial port, typically a flight controller,
// to the telemetry ports of the link.
type TelemetryCmd struct {
	LinkFlags

	Device string `arg:"" optional:"" help:"Serial device, e.g. /dev/ttyACM0."`
	Baud   int    `help:"Serial baud rate." default:"115200"`
	List   bool   `help:"List serial ports and exit."`
}

// telemetryPorts returns the port this role transmits on and the port
// it receives on.
func telemetryPorts(role wblink.Role) (tx, rx wblink.RadioPort) {
	if role == wblink.RoleAir {
		return wblink.PortTelemetryAir, wblink.PortTelemetryGnd
	}
	return wblink.PortTelemetryGnd, wblink.PortTelemetryAir
}

// Run executes the telemetry command.
func (c *TelemetryCmd) Run(cli *CLI) error {
	if c.List {
		ports, err := serial.GetPortsList()
		if err != nil {
			return fmt.Errorf("list serial ports: %w", err)
		}
		for _, p := range ports {
			fmt.Fprintln(os.Stdout, p)
		}
		return nil
	}
	if c.Device == "" {
		return &wblink.ConfigError{Field: "device", Reason: "a serial device is required"}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	port, err := serial.Open(c.Device, &serial.Mode{BaudRate: c.Baud})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", c.Device, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}

	s, err := cli.startLink(ctx, c.LinkFlags, 0)
	if err != nil {
		port.Close()
		return err
	}
	s.OnTeardown(func(context.Context) error { return port.Close() })
	if s.Engine != nil {
		txPort, rxPort := telemetryPorts(s.Engine.Role())
		s.Logger.Info("bridging serial telemetry", "device", c.Device, "baud", c.Baud, "tx_port", txPort.String(), "rx_port", rxPort.String())
		s.Go("serial to link", func(ctx context.Context) error {
			return serialToLink(ctx, port, s.Engine.Sender(txPort, false))
		})
		s.Go("link to serial", func(ctx context.Context) error {
			return copyPackets(ctx, s.Engine.Receiver(rxPort).C(), port)
		})
	}
	return s.run(ctx)
}

// serialToLink forwards whatever the serial port produced since the
// last read as one payload. A read returning nothing is a timeout and
// only checks ctx.
func serialToLink(ctx context.Context, r io.Reader, sender *link.PortSender) error {
	buf := make([]byte, frame.MaxPayload)
	for ctx.Err() == nil {
		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read serial: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := sender.Send(buf[:n]); err != nil && errors.Is(err, link.ErrStopped) {
			return nil
		}
	}
	return nil
}
