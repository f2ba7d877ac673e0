package stream

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
)

// Batch is one render interval's worth of clipped points. Batches are
// published to the Buffer whole; the consumer never sees part of one.
type Batch struct {
	Seq    uint64
	Points []laser.Point
	// Gen is the buffer generation the batch was rendered for. Batches from
	// an older generation are stale and dropped by the consumer.
	Gen      uint64
	Rendered time.Time
}

// Buffer is a bounded single-producer single-consumer queue of batches.
// Push blocks while the buffer is full, which is what paces rendering to the
// DAC's consumption.
type Buffer struct {
	slots     chan Batch
	closeOnce sync.Once
	closed    chan struct{}
}

// NewBuffer returns a buffer holding up to slots batches.
func NewBuffer(slots int) *Buffer {
	if slots < 1 {
		slots = 1
	}
	return &Buffer{
		slots:  make(chan Batch, slots),
		closed: make(chan struct{}),
	}
}

// Push enqueues b, blocking while the buffer is full.
func (b *Buffer) Push(ctx context.Context, batch Batch) error {
	select {
	case <-b.closed:
		return laser.ErrClosed
	default:
	}
	select {
	case b.slots <- batch:
		return nil
	case <-b.closed:
		return laser.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues the oldest batch, blocking while the buffer is empty.
func (b *Buffer) Pop(ctx context.Context) (Batch, error) {
	select {
	case batch := <-b.slots:
		return batch, nil
	case <-b.closed:
		return Batch{}, laser.ErrClosed
	case <-ctx.Done():
		return Batch{}, ctx.Err()
	}
}

// Reset discards every queued batch and returns how many were dropped.
func (b *Buffer) Reset() int {
	n := 0
	for {
		select {
		case <-b.slots:
			n++
		default:
			return n
		}
	}
}

// Len is the number of queued batches.
func (b *Buffer) Len() int { return len(b.slots) }

// Cap is the capacity in batches.
func (b *Buffer) Cap() int { return cap(b.slots) }

// Close wakes blocked callers and makes later Push and Pop calls fail.
// Queued batches are released.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.Reset()
	})
}
