package wblink

import (
	"fmt"
	"strconv"
)

// RadioPort identifies one logical stream multiplexed over the link.
type RadioPort uint8

// Well-known radio ports.
const (
	PortTelemetryAir   RadioPort = 3
	PortTelemetryGnd   RadioPort = 4
	PortVideoPrimary   RadioPort = 10
	PortVideoSecondary RadioPort = 11
	PortManagement     RadioPort = 20
	// PortSessionKey is reserved for session key announcements and
	// never delivered to applications.
	PortSessionKey RadioPort = 127
)

func (p RadioPort) String() string {
	switch p {
	case PortTelemetryAir:
		return "telemetry-air"
	case PortTelemetryGnd:
		return "telemetry-gnd"
	case PortVideoPrimary:
		return "video-primary"
	case PortVideoSecondary:
		return "video-secondary"
	case PortManagement:
		return "management"
	case PortSessionKey:
		return "session-key"
	}
	return fmt.Sprintf("port-%d", uint8(p))
}

// ParseRadioPort parses a port name as printed by String, or a
// decimal port number. The session key port is refused.
func ParseRadioPort(s string) (RadioPort, error) {
	for _, p := range []RadioPort{PortTelemetryAir, PortTelemetryGnd, PortVideoPrimary, PortVideoSecondary, PortManagement} {
		if s == p.String() {
			return p, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, &ConfigError{Field: "port", Value: s, Reason: "not a port name or number"}
	}
	if RadioPort(n) == PortSessionKey {
		return 0, &ConfigError{Field: "port", Value: s, Reason: "reserved for session keys"}
	}
	return RadioPort(n), nil
}

// Role is the side of the link a process runs on.
type Role uint8

const (
	RoleAir Role = iota + 1
	RoleGround
)

func (r Role) String() string {
	switch r {
	case RoleAir:
		return "air"
	case RoleGround:
		return "ground"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Peer returns the role on the other end of the link.
func (r Role) Peer() Role {
	if r == RoleAir {
		return RoleGround
	}
	return RoleAir
}

// ParseRole parses "air" or "ground"/"gnd".
func ParseRole(s string) (Role, error) {
	switch s {
	case "air":
		return RoleAir, nil
	case "ground", "gnd":
		return RoleGround, nil
	}
	return 0, &ConfigError{Field: "role", Value: s, Reason: "must be air or ground"}
}
