//go:build !linux

package card

import (
	"errors"
	"log/slog"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/frame"
)

// RawOptions configure a raw socket.
type RawOptions struct {
	QdiscBypass    bool
	IgnoreOutgoing bool
	Filter         *FilterSpec
	SeparateTx     bool
}

// FilterSpec selects the frames a socket accepts.
type FilterSpec struct {
	Peer frame.LinkID
}

// Raw is unavailable on this platform.
type Raw struct{ Card }

// OpenRaw always fails: raw 802.11 injection requires Linux.
func OpenRaw(info wblink.WifiCard, _ RawOptions, _ *slog.Logger) (*Raw, error) {
	return nil, &wblink.FatalError{Reason: "raw sockets on " + info.DeviceName, Err: errors.ErrUnsupported}
}
