package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/transport"
)

// Bank is a set of simulated devices. It is both the discovery source that
// advertises them and the dialer that connects to them.
type Bank struct {
	// Interval between advertisements.
	Interval time.Duration

	mu      sync.Mutex
	devices map[dac.Identity]*Device
}

var (
	_ dac.Source       = (*Bank)(nil)
	_ transport.Dialer = (*Bank)(nil)
)

// NewBank returns a bank advertising devs every interval.
func NewBank(interval time.Duration, devs ...*Device) *Bank {
	b := &Bank{Interval: interval, devices: make(map[dac.Identity]*Device)}
	for _, d := range devs {
		b.Add(d)
	}
	return b
}

// Add starts advertising d.
func (b *Bank) Add(d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.Descriptor().ID] = d
}

// Remove stops advertising id. An open adapter keeps working until closed.
func (b *Bank) Remove(id dac.Identity) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, id)
}

// Device returns the device with identity id.
func (b *Bank) Device(id dac.Identity) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	return d, ok
}

// Descriptors returns the advertisements of every device, sorted.
func (b *Bank) Descriptors() []dac.Descriptor {
	b.mu.Lock()
	out := make([]dac.Descriptor, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d.Descriptor())
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Name identifies the source in logs.
func (b *Bank) Name() string { return "sim" }

// Run advertises every device immediately and then every Interval.
func (b *Bank) Run(ctx context.Context, observe func(dac.Descriptor)) error {
	interval := b.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, d := range b.Descriptors() {
			observe(d)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dial connects to the device named by desc.ID.
func (b *Bank) Dial(ctx context.Context, desc dac.Descriptor, _ transport.Params) (transport.Adapter, transport.Handshake, error) {
	if err := ctx.Err(); err != nil {
		return nil, transport.Handshake{}, err
	}
	d, ok := b.Device(desc.ID)
	if !ok {
		return nil, transport.Handshake{}, fmt.Errorf("no simulated dac %s: %w", desc.ID, laser.ErrHandshakeFailure)
	}
	a, hs, err := d.dial()
	if err != nil {
		return nil, transport.Handshake{}, err
	}
	return a, hs, nil
}
