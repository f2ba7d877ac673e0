package dac

import (
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/timeutil"
)

// Registry is the arena of known DACs keyed by identity. Writers (discovery
// sources, the pruner, connection state updates) take the exclusive lock;
// lookups and snapshots share the read lock. Callers always receive copies.
type Registry struct {
	mu     sync.RWMutex
	arena  map[Identity]*Descriptor
	clock  timeutil.Clock
	notify chan struct{}
}

// NewRegistry returns an empty registry. A nil clock uses the real clock.
func NewRegistry(clock timeutil.Clock) *Registry {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Registry{
		arena:  make(map[Identity]*Descriptor),
		clock:  clock,
		notify: make(chan struct{}),
	}
}

// Observe records an advertisement. Advertisements with the same identity
// are merged into one descriptor; the connection state is preserved. It
// reports whether the identity was previously unknown.
func (r *Registry) Observe(d Descriptor) (isNew bool) {
	if d.LastSeen.IsZero() {
		d.LastSeen = r.clock.Now()
	}
	if d.Family == "" {
		d.Family = d.ID.Family()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.arena[d.ID]
	if ok {
		d.State = cur.State
		// a connected DAC keeps its handshake-confirmed rate and capacity
		if cur.State.Active() {
			d.PointRate = cur.PointRate
			d.BufferCapacity = cur.BufferCapacity
		}
		*cur = d
		return false
	}
	r.arena[d.ID] = &d
	r.broadcastLocked()
	return true
}

// Lookup returns a copy of the descriptor for id.
func (r *Registry) Lookup(id Identity) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.arena[id]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Snapshot returns copies of all descriptors sorted by identity.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.arena))
	for _, d := range r.arena {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known DACs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.arena)
}

// Find returns the first descriptor, in identity order, matching sel.
func (r *Registry) Find(sel Selector) (Descriptor, bool) {
	for _, d := range r.Snapshot() {
		if sel.Matches(d) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Changed returns a channel that is closed the next time a new identity is
// observed. Waiters re-check Find after it fires.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notify
}

func (r *Registry) broadcastLocked() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// SetState updates the connection state of id. It reports false when the
// identity is unknown.
func (r *Registry) SetState(id Identity, s laser.ConnState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.arena[id]
	if !ok {
		return false
	}
	d.State = s
	return true
}

// Confirm records the handshake-confirmed rate and capacity for id.
func (r *Registry) Confirm(id Identity, pointRate uint32, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.arena[id]; ok {
		d.PointRate = pointRate
		d.BufferCapacity = capacity
	}
}

// Prune removes descriptors not seen within window and returns them.
func (r *Registry) Prune(window time.Duration) []Descriptor {
	cutoff := r.clock.Now().Add(-window)
	r.mu.Lock()
	var lost []Descriptor
	for id, d := range r.arena {
		if d.LastSeen.Before(cutoff) {
			lost = append(lost, *d)
			delete(r.arena, id)
		}
	}
	r.mu.Unlock()
	sort.Slice(lost, func(i, j int) bool { return lost[i].ID < lost[j].ID })
	return lost
}
