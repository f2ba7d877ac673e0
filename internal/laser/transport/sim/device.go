// Package sim provides in-memory laser DACs for development and tests. A
// Device drains its buffer at its point rate on a timeutil.Clock, and
// failures can be scripted: forced underruns, transport errors and
// handshake refusals.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/transport"
	"github.com/banshee-data/laserstream/internal/timeutil"
)

// DeviceConfig describes a simulated DAC.
type DeviceConfig struct {
	Serial    string
	Addr      string
	PointRate uint32
	Capacity  int
	Clock     timeutil.Clock
	// Keep bounds how many received points are retained for inspection.
	Keep int
}

// Device is one simulated DAC.
type Device struct {
	cfg   DeviceConfig
	clock timeutil.Clock

	mu        sync.Mutex
	connected bool
	emptyAt   time.Time
	sent      uint64
	batches   int
	started   bool
	dry       bool
	received  []laser.Point

	forcedUnderruns int
	sendErrs        []error
	pollErrs        []error
	refuse          int
	dials           int
}

// NewDevice returns a device with defaults for unset fields.
func NewDevice(cfg DeviceConfig) *Device {
	if cfg.Serial == "" {
		cfg.Serial = "sim0"
	}
	if cfg.Addr == "" {
		cfg.Addr = "sim://" + cfg.Serial
	}
	if cfg.PointRate == 0 {
		cfg.PointRate = 30000
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1800
	}
	if cfg.Keep == 0 {
		cfg.Keep = 1 << 16
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Device{cfg: cfg, clock: clock}
}

// Descriptor is the advertisement for the device.
func (d *Device) Descriptor() dac.Descriptor {
	return dac.Descriptor{
		ID:             dac.MakeIdentity(dac.FamilySim, d.cfg.Serial),
		Family:         dac.FamilySim,
		Addr:           d.cfg.Addr,
		PointRate:      d.cfg.PointRate,
		BufferCapacity: d.cfg.Capacity,
	}
}

// ForceUnderruns makes the next n status polls report an underrun.
func (d *Device) ForceUnderruns(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forcedUnderruns += n
}

// FailSends queues errors returned by the next SendBatch calls.
func (d *Device) FailSends(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErrs = append(d.sendErrs, errs...)
}

// FailPolls queues errors returned by the next PollStatus calls.
func (d *Device) FailPolls(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pollErrs = append(d.pollErrs, errs...)
}

// RefuseHandshakes makes the next n dials fail.
func (d *Device) RefuseHandshakes(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse += n
}

// Received returns a copy of the retained points in arrival order.
func (d *Device) Received() []laser.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]laser.Point(nil), d.received...)
}

// Batches returns the number of batches accepted.
func (d *Device) Batches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches
}

// Dials returns the number of handshake attempts.
func (d *Device) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Connected reports whether an adapter is attached.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) fullnessLocked(now time.Time) int {
	left := d.emptyAt.Sub(now)
	if left <= 0 {
		return 0
	}
	rate := int64(d.cfg.PointRate)
	return int((int64(left)*rate + int64(time.Second) - 1) / int64(time.Second))
}

func (d *Device) dial() (*adapter, transport.Handshake, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.refuse > 0 {
		d.refuse--
		return nil, transport.Handshake{}, fmt.Errorf("sim %s refused handshake: %w", d.cfg.Serial, laser.ErrHandshakeFailure)
	}
	if d.connected {
		return nil, transport.Handshake{}, fmt.Errorf("sim %s already has a client: %w", d.cfg.Serial, laser.ErrHandshakeFailure)
	}
	d.connected = true
	d.emptyAt = time.Time{}
	d.started = false
	d.dry = false
	hs := transport.Handshake{
		PointRate:      d.cfg.PointRate,
		BufferCapacity: d.cfg.Capacity,
		Status:         transport.Status{Capacity: d.cfg.Capacity, PointRate: d.cfg.PointRate},
	}
	return &adapter{dev: d}, hs, nil
}

// adapter is the transport.Adapter for one dial of a Device.
type adapter struct {
	dev    *Device
	mu     sync.Mutex
	closed bool
}

func (a *adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *adapter) SendBatch(ctx context.Context, seq uint64, points []laser.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.isClosed() {
		return &transport.Error{Kind: transport.KindConnectionReset, Op: "send", Err: laser.ErrClosed}
	}
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sendErrs) > 0 {
		err := d.sendErrs[0]
		d.sendErrs = d.sendErrs[1:]
		return transport.Wrap("send", err)
	}
	if len(points) == 0 {
		return nil
	}
	now := d.clock.Now()
	if full := d.fullnessLocked(now); full+len(points) > d.cfg.Capacity {
		return transport.Errorf(transport.KindBufferFull, "send", "batch %d: %d points do not fit (fullness %d of %d)", seq, len(points), full, d.cfg.Capacity)
	}
	if d.emptyAt.Before(now) {
		d.emptyAt = now
	}
	d.emptyAt = d.emptyAt.Add(time.Duration(len(points)) * time.Second / time.Duration(d.cfg.PointRate))
	d.sent += uint64(len(points))
	d.batches++
	d.started = true
	d.dry = false

	d.received = append(d.received, points...)
	if over := len(d.received) - d.cfg.Keep; over > 0 {
		d.received = append(d.received[:0], d.received[over:]...)
	}
	return nil
}

func (a *adapter) PollStatus(ctx context.Context) (transport.Status, error) {
	if err := ctx.Err(); err != nil {
		return transport.Status{}, err
	}
	if a.isClosed() {
		return transport.Status{}, &transport.Error{Kind: transport.KindConnectionReset, Op: "poll", Err: laser.ErrClosed}
	}
	d := a.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pollErrs) > 0 {
		err := d.pollErrs[0]
		d.pollErrs = d.pollErrs[1:]
		return transport.Status{}, transport.Wrap("poll", err)
	}
	now := d.clock.Now()
	full := d.fullnessLocked(now)
	st := transport.Status{
		Fullness:     full,
		Capacity:     d.cfg.Capacity,
		PointRate:    d.cfg.PointRate,
		PointsPlayed: d.sent - uint64(full),
		Playing:      full > 0,
	}
	switch {
	case d.forcedUnderruns > 0:
		d.forcedUnderruns--
		d.emptyAt = now
		st.Fullness, st.Playing, st.Underrun = 0, false, true
		st.PointsPlayed = d.sent
	case d.started && full == 0 && now.After(d.emptyAt) && !d.dry:
		d.dry = true
		st.Underrun = true
	}
	return st, nil
}

func (a *adapter) Disconnect() error {
	a.mu.Lock()
	wasClosed := a.closed
	a.closed = true
	a.mu.Unlock()
	if !wasClosed {
		a.dev.mu.Lock()
		a.dev.connected = false
		a.dev.mu.Unlock()
	}
	return nil
}
