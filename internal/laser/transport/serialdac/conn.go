package serialdac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/transport"
	"github.com/banshee-data/laserstream/internal/monitoring"
	"github.com/banshee-data/laserstream/internal/timeutil"
)

var logf = monitoring.Subsystem("serialdac")

// Conn streams to one free-running serial DAC.
type Conn struct {
	mu    sync.Mutex
	port  Port
	clock timeutil.Clock

	rate     uint32
	capacity int
	serial   string

	// emptyAt is when the device FIFO runs dry at the current rate.
	emptyAt time.Time
	sent    uint64
	started bool
	// dry is set once the estimate passes emptyAt while streaming.
	dry bool

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Adapter = (*Conn)(nil)

// Serial returns the serial number reported by the device.
func (c *Conn) Serial() string { return c.serial }

// fullnessLocked estimates queued points at now.
func (c *Conn) fullnessLocked(now time.Time) int {
	left := c.emptyAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((int64(left)*int64(c.rate) + int64(time.Second) - 1) / int64(time.Second))
}

func (c *Conn) drainTime(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(c.rate)
}

// SendBatch writes points as one or more frames.
func (c *Conn) SendBatch(ctx context.Context, seq uint64, points []laser.Point) error {
	if len(points) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if full := c.fullnessLocked(now); full+len(points) > c.capacity {
		return transport.Errorf(transport.KindBufferFull, "send", "batch %d: %d points do not fit (estimated fullness %d of %d)", seq, len(points), full, c.capacity)
	}

	buf := make([]byte, 0, len(points)*PointSize+16)
	for start := 0; start < len(points); start += MaxFramePoints {
		end := min(start+MaxFramePoints, len(points))
		buf = EncodeFrame(buf, points[start:end])
	}
	if err := c.write(ctx, "send", buf); err != nil {
		return err
	}

	if c.emptyAt.Before(now) {
		c.emptyAt = now
	}
	c.emptyAt = c.emptyAt.Add(c.drainTime(len(points)))
	c.sent += uint64(len(points))
	c.started = true
	c.dry = false
	return nil
}

// write must be called with c.mu held.
func (c *Conn) write(ctx context.Context, op string, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.closePort() })
	defer stop()
	if _, err := c.port.Write(b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		if errors.Is(err, errPortClosed) {
			return &transport.Error{Kind: transport.KindConnectionReset, Op: op, Err: err}
		}
		return transport.Wrap(op, err)
	}
	return nil
}

// PollStatus reports the estimated state. The device never answers, so
// this does no I/O.
func (c *Conn) PollStatus(ctx context.Context) (transport.Status, error) {
	if err := ctx.Err(); err != nil {
		return transport.Status{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	full := c.fullnessLocked(now)
	st := transport.Status{
		Fullness:     full,
		Capacity:     c.capacity,
		PointRate:    c.rate,
		PointsPlayed: c.sent - uint64(full),
		Playing:      full > 0,
	}
	if c.started && full == 0 && now.After(c.emptyAt) && !c.dry {
		c.dry = true
		st.Underrun = true
	}
	return st, nil
}

// Disconnect closes the port. Safe to call more than once.
func (c *Conn) Disconnect() error { return c.closePort() }

func (c *Conn) closePort() error {
	c.closeOnce.Do(func() { c.closeErr = c.port.Close() })
	return c.closeErr
}

// Dialer opens serial DACs.
type Dialer struct {
	Options PortOptions
	// Open defaults to OpenSerial.
	Open Opener
}

var _ transport.Dialer = Dialer{}

// Dial opens the device at desc.Addr and reads its hello line.
func (d Dialer) Dial(ctx context.Context, desc dac.Descriptor, p transport.Params) (transport.Adapter, transport.Handshake, error) {
	fail := func(err error) (transport.Adapter, transport.Handshake, error) {
		return nil, transport.Handshake{}, fmt.Errorf("serial dac %s: %w: %w", desc.Addr, laser.ErrHandshakeFailure, err)
	}

	mode, err := d.Options.SerialMode()
	if err != nil {
		return fail(err)
	}
	open := d.Open
	if open == nil {
		open = OpenSerial
	}
	port, err := open(desc.Addr, mode)
	if err != nil {
		return fail(err)
	}
	c := &Conn{port: port, clock: p.GetClock()}

	hello, err := c.hello(ctx, p.GetIOTimeout())
	if err != nil {
		c.closePort()
		return fail(err)
	}

	rate := hello.PointRate
	if p.PointRate > 0 && p.PointRate < rate {
		logf("%s plays at %d pps, requested %d", desc.Addr, hello.PointRate, p.PointRate)
	}
	c.rate = rate
	c.capacity = hello.Capacity
	c.serial = hello.Serial

	if want := strings.TrimPrefix(string(desc.ID), string(dac.FamilySerial)+":"); desc.ID != "" &&
		want != strings.ToLower(hello.Serial) && want != strings.ToLower(desc.Addr) {
		c.closePort()
		return fail(fmt.Errorf("device reports serial %q, expected %q", hello.Serial, want))
	}

	logf("connected to %s (serial %s) at %d pps, capacity %d", desc.Addr, hello.Serial, rate, hello.Capacity)
	return c, transport.Handshake{
		PointRate:      rate,
		BufferCapacity: hello.Capacity,
		Status:         transport.Status{Capacity: hello.Capacity, PointRate: rate},
	}, nil
}

func (c *Conn) hello(ctx context.Context, timeout time.Duration) (Hello, error) {
	if err := c.port.SetReadTimeout(timeout); err != nil {
		return Hello{}, err
	}
	if r, ok := c.port.(inputResetter); ok {
		r.ResetInputBuffer()
	}
	c.mu.Lock()
	err := c.write(ctx, "hello", []byte(helloQuery))
	c.mu.Unlock()
	if err != nil {
		return Hello{}, err
	}

	deadline := time.Now().Add(timeout)
	var line []byte
	var buf [64]byte
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return Hello{}, err
		}
		n, err := c.port.Read(buf[:])
		if err != nil {
			return Hello{}, transport.Wrap("hello", err)
		}
		for _, b := range buf[:n] {
			if b == '\n' {
				return ParseHello(string(line))
			}
			line = append(line, b)
		}
		if len(line) > 128 {
			return Hello{}, errors.New("hello line too long")
		}
	}
	return Hello{}, &transport.Error{Kind: transport.KindTimeout, Op: "hello", Err: errors.New("no reply")}
}
