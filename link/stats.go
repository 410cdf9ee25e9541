package link

import (
	"slices"
	"sync"

	"github.com/frobware/go-wblink"
)

// CardStats are the counters kept per card.
type CardStats struct {
	Name string `json:"name"`
	// Packets and Bytes count frames from the peer, before
	// authentication.
	Packets      uint64 `json:"packets"`
	Bytes        uint64 `json:"bytes"`
	Delivered    uint64 `json:"delivered"`
	AuthFailures uint64 `json:"auth_failures"`
	Duplicates   uint64 `json:"duplicates"`
	Replays      uint64 `json:"replays"`
	BadFCS       uint64 `json:"bad_fcs"`
	ReadErrors   uint64 `json:"read_errors"`
	// RSSI is the signal of the latest frame, in dBm.
	RSSI          int8   `json:"rssi"`
	Injected      uint64 `json:"injected"`
	InjectErrors  uint64 `json:"inject_errors"`
	SlowInjection uint64 `json:"slow_injection"`
}

// PortStats are the counters kept per radio port.
type PortStats struct {
	Port      wblink.RadioPort `json:"port"`
	Sent      uint64           `json:"sent"`
	Delivered uint64           `json:"delivered"`
	// Lost counts nonces skipped between delivered frames.
	Lost uint64 `json:"lost"`
}

// Stats is a point-in-time copy of the engine's counters.
type Stats struct {
	InstanceID string      `json:"instance_id"`
	Role       string      `json:"role"`
	KeyState   string      `json:"key_state"`
	Cards      []CardStats `json:"cards"`
	Ports      []PortStats `json:"ports"`
	// MergeDrops and AppDrops count entries discarded from full
	// queues.
	MergeDrops       uint64 `json:"merge_drops"`
	AppDrops         uint64 `json:"app_drops"`
	NoKeyDrops       uint64 `json:"no_key_drops"`
	LowPriorityDrops uint64 `json:"low_priority_drops"`
	KeyPackets       uint64 `json:"key_packets"`
	KeyChanges       uint64 `json:"key_changes"`
	KeyErrors        uint64 `json:"key_errors"`
}

type counters struct {
	mu    sync.Mutex
	stats Stats
	ports map[wblink.RadioPort]*PortStats
}

func newCounters(names []string) *counters {
	c := &counters{ports: make(map[wblink.RadioPort]*PortStats)}
	for _, n := range names {
		c.stats.Cards = append(c.stats.Cards, CardStats{Name: n})
	}
	return c
}

func (c *counters) card(i int, fn func(*CardStats)) {
	c.mu.Lock()
	fn(&c.stats.Cards[i])
	c.mu.Unlock()
}

func (c *counters) port(p wblink.RadioPort, fn func(*PortStats)) {
	c.mu.Lock()
	ps, ok := c.ports[p]
	if !ok {
		ps = &PortStats{Port: p}
		c.ports[p] = ps
	}
	fn(ps)
	c.mu.Unlock()
}

func (c *counters) update(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Cards = slices.Clone(c.stats.Cards)
	s.Ports = make([]PortStats, 0, len(c.ports))
	for _, ps := range c.ports {
		s.Ports = append(s.Ports, *ps)
	}
	slices.SortFunc(s.Ports, func(a, b PortStats) int { return int(a.Port) - int(b.Port) })
	return s
}

// Card returns the stats of the named card.
func (s Stats) Card(name string) (CardStats, bool) {
	for _, c := range s.Cards {
		if c.Name == name {
			return c, true
		}
	}
	return CardStats{}, false
}

// Port returns the stats of port p.
func (s Stats) Port(p wblink.RadioPort) PortStats {
	for _, ps := range s.Ports {
		if ps.Port == p {
			return ps
		}
	}
	return PortStats{Port: p}
}
