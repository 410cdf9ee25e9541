package link

import (
	"fmt"
	"time"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/card"
	"github.com/frobware/go-wblink/frame"
)

// DiversityPolicy selects which copy of a frame received on several
// cards is delivered.
type DiversityPolicy int

const (
	// FirstArrival delivers the first copy that authenticates.
	FirstArrival DiversityPolicy = iota
	// LowestError holds the first copy for DiversityWindow, or until
	// every card reported it, then prefers a copy without an FCS error
	// and after that the strongest signal.
	LowestError
)

func (p DiversityPolicy) String() string {
	switch p {
	case FirstArrival:
		return "first-arrival"
	case LowestError:
		return "lowest-error"
	}
	return fmt.Sprintf("DiversityPolicy(%d)", int(p))
}

// ParseDiversityPolicy parses the String form.
func ParseDiversityPolicy(s string) (DiversityPolicy, error) {
	switch s {
	case "", "first-arrival":
		return FirstArrival, nil
	case "lowest-error":
		return LowestError, nil
	}
	return 0, &wblink.ConfigError{Field: "diversity", Value: s, Reason: "must be first-arrival or lowest-error"}
}

// Options are fixed for the lifetime of an Engine.
type Options struct {
	// UseGndIdentifier makes the engine transmit as the ground unit.
	UseGndIdentifier bool
	// PcapRxSetDirection stops card sockets capturing their own
	// transmissions.
	PcapRxSetDirection bool
	// TxWithoutPcap injects through a transmit-only socket instead of
	// the card's capture socket.
	TxWithoutPcap bool
	// SetTxSockQdiscBypass bypasses the kernel queueing discipline.
	SetTxSockQdiscBypass bool
	// SessionKeyPacketInterval is the period of session key
	// announcements.
	SessionKeyPacketInterval time.Duration
	// MaxSaneInjectionTime bounds one card write; slower writes count
	// as transient failures.
	MaxSaneInjectionTime time.Duration
	// DebugRSSI logs per-card signal strength every second when > 0.
	DebugRSSI int
	// DebugMultiRxPacketsVariance logs the spread of per-card packet
	// counts every second.
	DebugMultiRxPacketsVariance bool

	Diversity       DiversityPolicy
	DiversityWindow time.Duration
	// RxQueueDepth bounds the channel from card loops to the merge
	// stage; AppQueueDepth bounds delivery to the application. Both
	// drop the oldest entry when full.
	RxQueueDepth  int
	AppQueueDepth int
	// KernelFilter attaches an eBPF socket filter to raw cards.
	KernelFilter bool
	// UnitID is shared by both ends of one link and distinguishes it
	// from other links on the same channel.
	UnitID uint32
	// RotateInterval replaces the transmit session key periodically.
	// Zero keeps one key for the engine's lifetime.
	RotateInterval time.Duration
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		PcapRxSetDirection:       true,
		TxWithoutPcap:            true,
		SetTxSockQdiscBypass:     true,
		SessionKeyPacketInterval: time.Second,
		MaxSaneInjectionTime:     5 * time.Millisecond,
		DiversityWindow:          2 * time.Millisecond,
		RxQueueDepth:             1024,
		AppQueueDepth:            1024,
		KernelFilter:             true,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.SessionKeyPacketInterval <= 0 {
		o.SessionKeyPacketInterval = d.SessionKeyPacketInterval
	}
	if o.MaxSaneInjectionTime <= 0 {
		o.MaxSaneInjectionTime = d.MaxSaneInjectionTime
	}
	if o.DiversityWindow <= 0 {
		o.DiversityWindow = d.DiversityWindow
	}
	if o.RxQueueDepth <= 0 {
		o.RxQueueDepth = d.RxQueueDepth
	}
	if o.AppQueueDepth <= 0 {
		o.AppQueueDepth = d.AppQueueDepth
	}
}

// Role returns the role the options transmit as.
func (o Options) Role() wblink.Role {
	if o.UseGndIdentifier {
		return wblink.RoleGround
	}
	return wblink.RoleAir
}

// RawOptions returns the socket options for opening a physical card
// for an engine configured with o.
func (o Options) RawOptions() card.RawOptions {
	ro := card.RawOptions{
		QdiscBypass:    o.SetTxSockQdiscBypass,
		IgnoreOutgoing: o.PcapRxSetDirection,
		SeparateTx:     o.TxWithoutPcap,
	}
	if o.KernelFilter {
		ro.Filter = &card.FilterSpec{Peer: frame.NewLinkID(o.Role().Peer(), o.UnitID)}
	}
	return ro
}
