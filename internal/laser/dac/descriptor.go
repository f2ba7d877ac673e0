// Package dac tracks which laser DACs are reachable.
//
// Discovery sources (UDP broadcast listeners, USB serial scanners, capture
// replays, simulators) report Descriptors to a Registry. The Registry is the
// single shared arena of known DACs: sources write to it, connection lookups
// read from it, and a pruner removes DACs that stopped advertising.
package dac

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
)

// Family names a DAC protocol family. It selects the transport variant at
// connect time.
type Family string

const (
	FamilyEtherDream Family = "etherdream"
	FamilySerial     Family = "serial"
	FamilySim        Family = "sim"
)

// Identity uniquely names a DAC across advertisements, e.g.
// "etherdream:00:11:22:33:44:55".
type Identity string

// MakeIdentity joins a family and a device-unique serial.
func MakeIdentity(f Family, serial string) Identity {
	return Identity(string(f) + ":" + strings.ToLower(serial))
}

// Family returns the family prefix of the identity.
func (id Identity) Family() Family {
	if i := strings.IndexByte(string(id), ':'); i > 0 {
		return Family(id[:i])
	}
	return ""
}

// Descriptor is what is known about one DAC.
type Descriptor struct {
	ID     Identity `json:"id"`
	Family Family   `json:"family"`
	// Addr is the transport address: host:port for network DACs, the
	// device path for serial DACs.
	Addr string `json:"addr"`
	// PointRate is the advertised maximum point rate, or the rate confirmed
	// by the handshake once connected.
	PointRate uint32 `json:"point_rate"`
	// BufferCapacity is the DAC's sample buffer size in points.
	BufferCapacity   int             `json:"buffer_capacity"`
	HardwareRevision uint16          `json:"hardware_revision,omitempty"`
	SoftwareRevision uint16          `json:"software_revision,omitempty"`
	LastSeen         time.Time       `json:"last_seen"`
	State            laser.ConnState `json:"state"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s@%s (rate=%d cap=%d %s)", d.ID, d.Addr, d.PointRate, d.BufferCapacity, d.State)
}

// SelectionMode chooses how Connect picks a DAC.
type SelectionMode int

const (
	// FirstAvailable picks the first known DAC in identity order.
	FirstAvailable SelectionMode = iota
	// ByIdentity picks the DAC with the given identity.
	ByIdentity
	// ByAddress picks the DAC advertised at the given address (host or
	// host:port, or a serial device path).
	ByAddress
)

func (m SelectionMode) String() string {
	switch m {
	case FirstAvailable:
		return "first-available"
	case ByIdentity:
		return "identity"
	case ByAddress:
		return "address"
	default:
		return fmt.Sprintf("selection(%d)", int(m))
	}
}

// ParseSelectionMode parses the names produced by SelectionMode.String.
func ParseSelectionMode(s string) (SelectionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first-available", "first":
		return FirstAvailable, nil
	case "identity", "id":
		return ByIdentity, nil
	case "address", "addr":
		return ByAddress, nil
	default:
		return FirstAvailable, fmt.Errorf("unknown selection mode %q: %w", s, laser.ErrConfigurationInvalid)
	}
}

// Selector describes which DAC to connect to.
type Selector struct {
	Mode     SelectionMode
	Identity Identity
	Address  string
	// Family optionally restricts FirstAvailable to one family.
	Family Family
}

// Validate checks that the selector names what its mode needs.
func (s Selector) Validate() error {
	switch s.Mode {
	case ByIdentity:
		if s.Identity == "" {
			return fmt.Errorf("identity selection needs an identity: %w", laser.ErrConfigurationInvalid)
		}
	case ByAddress:
		if s.Address == "" {
			return fmt.Errorf("address selection needs an address: %w", laser.ErrConfigurationInvalid)
		}
	}
	return nil
}

// Matches reports whether d satisfies the selector.
func (s Selector) Matches(d Descriptor) bool {
	if s.Family != "" && d.Family != s.Family {
		return false
	}
	switch s.Mode {
	case ByIdentity:
		return d.ID == s.Identity
	case ByAddress:
		if d.Addr == s.Address {
			return true
		}
		host := d.Addr
		if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.HasPrefix(host, "/") {
			host = host[:i]
		}
		return host == s.Address
	default:
		return true
	}
}

func (s Selector) String() string {
	switch s.Mode {
	case ByIdentity:
		return "identity " + string(s.Identity)
	case ByAddress:
		return "address " + s.Address
	default:
		if s.Family != "" {
			return "first available " + string(s.Family)
		}
		return "first available"
	}
}
