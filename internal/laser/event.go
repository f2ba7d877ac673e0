package laser

import (
	"fmt"
	"time"
)

// EventKind identifies a status event emitted to the application.
type EventKind int

const (
	EventDACDetected EventKind = iota + 1
	EventDACLost
	EventConnected
	EventDisconnected
	EventUnderrun
	EventTransportError
	EventFrameTruncated
)

var eventKindNames = map[EventKind]string{
	EventDACDetected:    "dac-detected",
	EventDACLost:        "dac-lost",
	EventConnected:      "connected",
	EventDisconnected:   "disconnected",
	EventUnderrun:       "underrun",
	EventTransportError: "transport-error",
	EventFrameTruncated: "frame-truncated",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, bool) {
	for k, name := range eventKindNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// Event is a discrete status notification. Events are informational: the
// streaming loop never depends on anyone consuming them.
type Event struct {
	Kind    EventKind
	Time    time.Time
	DAC     string // DAC identity
	Session string // connection session id, empty for discovery events
	Err     error
	Detail  string
	// Dropped is the number of points discarded, for frame-truncated events.
	Dropped int
}

func (e Event) String() string {
	s := e.Kind.String()
	if e.DAC != "" {
		s += " dac=" + e.DAC
	}
	if e.Session != "" {
		s += " session=" + e.Session
	}
	if e.Dropped > 0 {
		s += fmt.Sprintf(" dropped=%d", e.Dropped)
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
