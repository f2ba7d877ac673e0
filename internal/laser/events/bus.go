// Package events fans status events out to any number of subscribers.
//
// Publishing never blocks: a subscriber whose channel is full misses the
// event and the miss is counted. Nothing in the streaming loop depends on an
// event being delivered.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/laserstream/internal/laser"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Publisher is the sending side of a Bus.
type Publisher interface {
	Publish(e laser.Event)
}

// Bus is a non-blocking event multiplexer.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]chan laser.Event
	closed      bool
	now         func() time.Time
	dropped     atomic.Uint64
	published   atomic.Uint64
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan laser.Event),
		now:         time.Now,
	}
}

// Subscribe registers a new subscriber with the default buffer size. The id
// identifies the subscription for Unsubscribe.
func (b *Bus) Subscribe() (string, <-chan laser.Event) {
	return b.SubscribeN(DefaultBufferSize)
}

// SubscribeN registers a subscriber with a channel of capacity n.
func (b *Bus) SubscribeN(n int) (string, <-chan laser.Event) {
	id := uuid.NewString()
	ch := make(chan laser.Event, n)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Publish delivers e to every subscriber that has room. A zero Time is
// filled in with the current time.
func (b *Bus) Publish(e laser.Event) {
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.published.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			// if the channel is full skip so as not to block the streaming loop
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of per-subscriber deliveries skipped because a
// channel was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Published returns the number of Publish calls.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Func adapts a function to the Publisher interface.
type Func func(laser.Event)

// Publish calls f(e).
func (f Func) Publish(e laser.Event) { f(e) }

// Discard is a Publisher that drops everything.
var Discard Publisher = Func(func(laser.Event) {})
