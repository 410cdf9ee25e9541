// Package radiotap models the transmit parameters applied to every
// injected frame and converts them to and from radiotap headers.
package radiotap

import (
	"fmt"

	"github.com/frobware/go-wblink"
)

// Params are the user-selectable PHY parameters for injected frames.
type Params struct {
	// ChannelWidthMHz is 20 or 40.
	ChannelWidthMHz int
	// MCSIndex is the HT MCS index.
	MCSIndex int
	ShortGuardInterval bool
	STBC               bool
	LDPC               bool
	// NoAck tells the driver not to wait for a MAC-level ACK.
	NoAck bool
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{
		ChannelWidthMHz: 20,
		MCSIndex:        3,
	}
}

func (p Params) String() string {
	return fmt.Sprintf("bw=%d mcs=%d sgi=%t stbc=%t ldpc=%t noack=%t",
		p.ChannelWidthMHz, p.MCSIndex, p.ShortGuardInterval, p.STBC, p.LDPC, p.NoAck)
}

// Capabilities bound the parameters a set of cards can honour.
type Capabilities struct {
	MaxMCS int
	LDPC   bool
	STBC   bool
}

// CapabilitiesFor returns the intersection of the capabilities of all
// transmit-capable cards. With no transmit card the result allows
// every MCS a single-stream card supports.
func CapabilitiesFor(cards []wblink.WifiCard) Capabilities {
	caps := Capabilities{MaxMCS: 31, LDPC: true, STBC: true}
	seen := false
	for _, c := range cards {
		if c.RxOnly {
			continue
		}
		seen = true
		caps.MaxMCS = min(caps.MaxMCS, c.Type.MaxMCS())
		caps.LDPC = caps.LDPC && c.Type.SupportsLDPC()
		caps.STBC = caps.STBC && c.Type.SupportsSTBC()
	}
	if !seen {
		return Capabilities{MaxMCS: 7}
	}
	return caps
}

// Validate range-checks p against the capabilities.
func (c Capabilities) Validate(p Params) error {
	if p.ChannelWidthMHz != 20 && p.ChannelWidthMHz != 40 {
		return &wblink.ConfigError{Field: "channel width", Value: p.ChannelWidthMHz, Reason: "must be 20 or 40"}
	}
	if p.MCSIndex < 0 || p.MCSIndex > c.MaxMCS {
		return &wblink.ConfigError{Field: "mcs index", Value: p.MCSIndex, Reason: fmt.Sprintf("supported range is 0-%d", c.MaxMCS)}
	}
	if p.LDPC && !c.LDPC {
		return &wblink.ConfigError{Field: "ldpc", Value: p.LDPC, Reason: "not supported by card(s)"}
	}
	if p.STBC && !c.STBC {
		return &wblink.ConfigError{Field: "stbc", Value: p.STBC, Reason: "not supported by card(s)"}
	}
	return nil
}
