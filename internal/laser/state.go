package laser

import "fmt"

// ConnState is the lifecycle state of a DAC connection.
//
//	Disconnected → Discovering → Connecting → Streaming ⇄ Underrun
//	                    ↑             │           │          │
//	                    └─────────────┘           └──────────┴→ Disconnected
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateDiscovering
	StateConnecting
	StateStreaming
	StateUnderrun
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateUnderrun:
		return "underrun"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether a connection in this state holds a transport.
func (s ConnState) Active() bool {
	return s == StateStreaming || s == StateUnderrun
}

// MarshalText renders the state name, so JSON views show "streaming"
// rather than an integer.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses the names produced by String.
func (s *ConnState) UnmarshalText(b []byte) error {
	for c := StateDisconnected; c <= StateUnderrun; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q: %w", b, ErrConfigurationInvalid)
}
