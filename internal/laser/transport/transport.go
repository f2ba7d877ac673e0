// Package transport defines the protocol adapter boundary between a
// streaming connection and one DAC. Each DAC family implements Dialer in its
// own subpackage; the connection manager picks the dialer by family at
// handshake time.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/timeutil"
)

// Status is the DAC's report of its own playback state.
type Status struct {
	// Fullness is the number of points queued in the DAC.
	Fullness     int
	Capacity     int
	PointRate    uint32
	PointsPlayed uint64
	Playing      bool
	// Underrun is set when the DAC ran out of points since the last poll.
	Underrun bool
}

// Free is the number of points the DAC can accept right now.
func (s Status) Free() int {
	if f := s.Capacity - s.Fullness; f > 0 {
		return f
	}
	return 0
}

// DrainTime estimates how long the DAC needs to free n more points.
func (s Status) DrainTime(n int) time.Duration {
	if n <= 0 || s.PointRate == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(s.PointRate)
}

// Handshake carries the values the DAC confirmed at connect time.
type Handshake struct {
	PointRate      uint32
	BufferCapacity int
	Status         Status
}

// Params configures a dial.
type Params struct {
	// PointRate requested by the stream. Adapters clamp it to the DAC maximum.
	PointRate uint32
	// IOTimeout bounds every blocking read and write.
	IOTimeout time.Duration
	Clock     timeutil.Clock
}

// GetClock returns the configured clock or the real one.
func (p Params) GetClock() timeutil.Clock {
	if p.Clock == nil {
		return timeutil.RealClock{}
	}
	return p.Clock
}

// GetIOTimeout returns the configured I/O timeout or one second.
func (p Params) GetIOTimeout() time.Duration {
	if p.IOTimeout <= 0 {
		return time.Second
	}
	return p.IOTimeout
}

// Adapter speaks one DAC's protocol over an established link. A single
// connection goroutine drives it; implementations need not be safe for
// concurrent SendBatch calls, but Disconnect may be called from any
// goroutine to abort in-flight I/O.
type Adapter interface {
	SendBatch(ctx context.Context, seq uint64, points []laser.Point) error
	PollStatus(ctx context.Context) (Status, error)
	Disconnect() error
}

// Dialer opens an adapter for a discovered DAC and performs the handshake.
type Dialer interface {
	Dial(ctx context.Context, d dac.Descriptor, p Params) (Adapter, Handshake, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, d dac.Descriptor, p Params) (Adapter, Handshake, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, d dac.Descriptor, p Params) (Adapter, Handshake, error) {
	return f(ctx, d, p)
}

// Dialers selects a Dialer by DAC family.
type Dialers map[dac.Family]Dialer

// Dial dispatches to the dialer registered for d.Family.
func (ds Dialers) Dial(ctx context.Context, d dac.Descriptor, p Params) (Adapter, Handshake, error) {
	dialer, ok := ds[d.Family]
	if !ok {
		return nil, Handshake{}, fmt.Errorf("no transport for family %q: %w", d.Family, laser.ErrHandshakeFailure)
	}
	return dialer.Dial(ctx, d, p)
}

// Kind classifies transport failures by how the stream should react.
type Kind int

const (
	// KindOther is an unclassified failure, treated as fatal.
	KindOther Kind = iota
	// KindTimeout is a single I/O deadline expiry. Retried once.
	KindTimeout
	// KindMalformedAck is a response the protocol does not allow.
	KindMalformedAck
	// KindConnectionReset is a closed or reset link.
	KindConnectionReset
	// KindBufferFull is a DAC refusing points it has no room for. Retried
	// once after the next status poll.
	KindBufferFull
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindMalformedAck:
		return "malformed-ack"
	case KindConnectionReset:
		return "connection-reset"
	case KindBufferFull:
		return "buffer-full"
	default:
		return "other"
	}
}

// Retryable reports whether a single occurrence may be retried.
func (k Kind) Retryable() bool { return k == KindTimeout || k == KindBufferFull }

// Error is a classified transport failure. It matches laser.ErrTransportIO
// with errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{laser.ErrTransportIO}
	}
	return []error{laser.ErrTransportIO, e.Err}
}

// Errorf builds an Error of kind k for op.
func Errorf(k Kind, op, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err and wraps it for op. Nil stays nil, and errors that
// are already classified or signal an underrun pass through unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) || errors.Is(err, laser.ErrBufferUnderrun) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return KindConnectionReset
	}
	return KindOther
}
