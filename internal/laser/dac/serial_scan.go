package dac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// PortLister enumerates serial ports. enumerator.GetDetailedPortsList
// satisfies it.
type PortLister func() ([]*enumerator.PortDetails, error)

// USBID is a USB vendor/product pair in the hex form the enumerator reports,
// e.g. {"0403", "6001"}.
type USBID struct {
	VID string
	PID string
}

// SerialScanner periodically enumerates USB serial ports and reports those
// that look like laser DACs.
type SerialScanner struct {
	Interval time.Duration
	// Match restricts the scan to these USB ids. Empty matches every USB
	// serial port.
	Match []USBID
	// PointRate and BufferCapacity are reported until a handshake confirms
	// the real values.
	PointRate      uint32
	BufferCapacity int
	List           PortLister
}

// NewSerialScanner returns a scanner over the system's ports.
func NewSerialScanner(interval time.Duration, match ...USBID) *SerialScanner {
	return &SerialScanner{
		Interval: interval,
		Match:    match,
		List:     enumerator.GetDetailedPortsList,
	}
}

// Name identifies the source in logs.
func (s *SerialScanner) Name() string { return "serial scan" }

// Scan performs one enumeration pass.
func (s *SerialScanner) Scan() ([]Descriptor, error) {
	list := s.List
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var out []Descriptor
	for _, p := range ports {
		if p == nil || !p.IsUSB || !s.matches(p) {
			continue
		}
		serial := p.SerialNumber
		if serial == "" {
			// without a serial number the device path is the best identity we have
			serial = p.Name
		}
		out = append(out, Descriptor{
			ID:             MakeIdentity(FamilySerial, serial),
			Family:         FamilySerial,
			Addr:           p.Name,
			PointRate:      s.PointRate,
			BufferCapacity: s.BufferCapacity,
		})
	}
	return out, nil
}

func (s *SerialScanner) matches(p *enumerator.PortDetails) bool {
	if len(s.Match) == 0 {
		return true
	}
	for _, m := range s.Match {
		if strings.EqualFold(m.VID, p.VID) && strings.EqualFold(m.PID, p.PID) {
			return true
		}
	}
	return false
}

// Run scans immediately and then every Interval until ctx is cancelled.
// Enumeration errors are logged and retried on the next tick.
func (s *SerialScanner) Run(ctx context.Context, observe func(Descriptor)) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := s.Scan()
		if err != nil {
			logf("%v", err)
		}
		for _, d := range found {
			observe(d)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
