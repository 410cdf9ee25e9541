package card

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-wblink"
)

// RawOptions configure a raw socket.
type RawOptions struct {
	// QdiscBypass sends frames straight to the driver.
	QdiscBypass bool
	// IgnoreOutgoing stops the socket from capturing its own
	// transmissions.
	IgnoreOutgoing bool
	// Filter, when non-nil, is attached as a kernel socket filter so
	// only frames from the peer reach user space.
	Filter *FilterSpec
	// SeparateTx injects through a second socket bound to no protocol,
	// so transmit never queues behind capture on the same fd.
	SeparateTx bool
}

// Raw is a Card backed by an AF_PACKET socket on a monitor-mode
// interface.
type Raw struct {
	info   wblink.WifiCard
	f      *os.File
	tx     *os.File
	logger *slog.Logger
}

// OpenRaw opens info.DeviceName for injection and capture. The
// interface must already be in monitor mode.
func OpenRaw(info wblink.WifiCard, opts RawOptions, logger *slog.Logger) (*Raw, error) {
	logger = logger.With("component", "card", "card", info.DeviceName)
	link, err := netlink.LinkByName(info.DeviceName)
	if err != nil {
		return nil, &wblink.ConfigError{Field: "card", Value: info.DeviceName, Reason: err.Error()}
	}
	ifindex := link.Attrs().Index

	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("open packet socket on %s: %w", info.DeviceName, err)
	}
	closeOnErr := func(err error) (*Raw, error) {
		unix.Close(fd)
		return nil, err
	}

	if opts.QdiscBypass && !opts.SeparateTx {
		if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_QDISC_BYPASS, 1); err != nil {
			return closeOnErr(fmt.Errorf("set PACKET_QDISC_BYPASS on %s: %w", info.DeviceName, err))
		}
	}
	if opts.IgnoreOutgoing {
		if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_IGNORE_OUTGOING, 1); err != nil {
			// Kernels before 4.20 lack the option; the engine drops
			// its own frames by sender role anyway.
			logger.Warn("PACKET_IGNORE_OUTGOING not supported", "error", err)
		}
	}
	if opts.Filter != nil {
		if err := opts.Filter.attach(fd); err != nil {
			logger.Warn("kernel socket filter unavailable, filtering in user space", "error", err)
		} else {
			logger.Debug("kernel socket filter attached", "peer", opts.Filter.Peer)
		}
	}

	sa := &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifindex}
	if err := unix.Bind(fd, sa); err != nil {
		return closeOnErr(fmt.Errorf("bind packet socket to %s: %w", info.DeviceName, err))
	}

	// A non-blocking fd handed to os.NewFile is registered with the
	// runtime poller, so Close interrupts a blocked Read.
	r := &Raw{info: info, f: os.NewFile(uintptr(fd), "packet:"+info.DeviceName), logger: logger}
	r.tx = r.f
	if opts.SeparateTx {
		tx, err := openTxSocket(ifindex, opts.QdiscBypass)
		if err != nil {
			r.f.Close()
			return nil, fmt.Errorf("open transmit socket on %s: %w", info.DeviceName, err)
		}
		r.tx = os.NewFile(uintptr(tx), "packet-tx:"+info.DeviceName)
	}
	logger.Info("card opened", "ifindex", ifindex, "type", info.Type, "separate_tx", opts.SeparateTx)
	return r, nil
}

// openTxSocket opens a packet socket that captures nothing: protocol
// zero receives no frames.
func openTxSocket(ifindex int, qdiscBypass bool) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	if qdiscBypass {
		if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_QDISC_BYPASS, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("set PACKET_QDISC_BYPASS: %w", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Ifindex: ifindex}); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// Info implements Card.
func (r *Raw) Info() wblink.WifiCard { return r.info }

// Inject implements Card.
func (r *Raw) Inject(frame []byte) error {
	n, err := r.tx.Write(frame)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("inject on %s: %w", r.info.DeviceName, err)
	}
	if n != len(frame) {
		return fmt.Errorf("inject on %s: short write %d of %d", r.info.DeviceName, n, len(frame))
	}
	return nil
}

// ReadFrame implements Card.
func (r *Raw) ReadFrame(buf []byte) (int, error) {
	n, err := r.f.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("capture on %s: %w", r.info.DeviceName, err)
	}
	return n, nil
}

// Close implements Card.
func (r *Raw) Close() error {
	err := r.f.Close()
	if r.tx != r.f {
		err = errors.Join(err, r.tx.Close())
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
