package etherdream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/transport"
	"github.com/banshee-data/laserstream/internal/monitoring"
)

var logf = monitoring.Subsystem("etherdream")

// Conn is a streaming session with one Ether Dream. Every command is
// answered by exactly one ack; exchanges are serialised by mu.
type Conn struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration

	capacity int
	rate     uint32
	last     DACStatus
	// pendingRate marks the next point with ControlRateChange.
	pendingRate bool
	// underrunSeen suppresses repeat reports until the next prepare.
	underrunSeen bool
	begun        bool

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Adapter = (*Conn)(nil)

func newConn(c net.Conn, timeout time.Duration, capacity int, rate uint32) *Conn {
	return &Conn{conn: c, timeout: timeout, capacity: capacity, rate: rate}
}

// LastStatus returns the status from the most recent ack.
func (c *Conn) LastStatus() DACStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// exchange writes cmd (nil to only read) and reads the ack for op.
func (c *Conn) exchange(ctx context.Context, op string, cmd []byte, want byte) (DACStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return DACStatus{}, err
	}
	// cancellation closes the socket so blocked I/O returns promptly
	stop := context.AfterFunc(ctx, func() { c.closeConn() })
	defer stop()

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if cmd != nil {
		if _, err := c.conn.Write(cmd); err != nil {
			return DACStatus{}, c.ioError(ctx, op, err)
		}
	}
	var buf [AckSize]byte
	if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
		return DACStatus{}, c.ioError(ctx, op, err)
	}
	var ack Ack
	if err := ack.UnmarshalBinary(buf[:]); err != nil {
		return DACStatus{}, transport.Errorf(transport.KindMalformedAck, op, "%v", err)
	}
	if ack.Command != want {
		return DACStatus{}, transport.Errorf(transport.KindMalformedAck, op, "ack for %q, want %q", ack.Command, want)
	}
	c.last = ack.Status
	switch ack.Response {
	case RespAck:
		return ack.Status, nil
	case RespFull:
		return ack.Status, transport.Errorf(transport.KindBufferFull, op, "dac buffer full (fullness %d)", ack.Status.BufferFullness)
	case RespInvalid:
		return ack.Status, transport.Errorf(transport.KindMalformedAck, op, "dac rejected command %q", want)
	case RespStopCond:
		return ack.Status, transport.Errorf(transport.KindOther, op, "dac in stop condition (light engine %d)", ack.Status.LightEngineState)
	default:
		return ack.Status, transport.Errorf(transport.KindMalformedAck, op, "unknown response %q", ack.Response)
	}
}

func (c *Conn) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return transport.Wrap(op, err)
}

func (c *Conn) command(ctx context.Context, op string, cmd []byte) (DACStatus, error) {
	return c.exchange(ctx, op, cmd, cmd[0])
}

func (c *Conn) prepare(ctx context.Context) error {
	if _, err := c.command(ctx, "prepare", []byte{CmdPrepare}); err != nil {
		return err
	}
	c.underrunSeen = false
	c.begun = false
	return nil
}

// SendBatch queues points on the DAC, preparing and beginning playback as
// the DAC state requires.
func (c *Conn) SendBatch(ctx context.Context, seq uint64, points []laser.Point) error {
	if len(points) == 0 {
		return nil
	}
	if c.LastStatus().PlaybackState == PlaybackIdle {
		if err := c.prepare(ctx); err != nil {
			return err
		}
	}

	wire := make([]WirePoint, len(points))
	for i, p := range points {
		wire[i] = EncodePoint(p)
	}
	if c.pendingRate {
		wire[0].Control |= ControlRateChange
		c.pendingRate = false
	}
	st, err := c.command(ctx, "data", DataCommand(wire))
	if err != nil {
		return err
	}
	if st.PlaybackState == PlaybackPrepared && !c.begun {
		if _, err := c.command(ctx, "begin", BeginCommand(0, c.rate)); err != nil {
			return err
		}
		c.begun = true
	}
	return nil
}

// PollStatus pings the DAC.
func (c *Conn) PollStatus(ctx context.Context) (transport.Status, error) {
	st, err := c.command(ctx, "ping", []byte{CmdPing})
	if err != nil {
		return transport.Status{}, err
	}
	return c.toStatus(st), nil
}

func (c *Conn) toStatus(st DACStatus) transport.Status {
	s := transport.Status{
		Fullness:     int(st.BufferFullness),
		Capacity:     c.capacity,
		PointRate:    st.PointRate,
		PointsPlayed: uint64(st.PointCount),
		Playing:      st.PlaybackState == PlaybackPlaying,
	}
	if s.PointRate == 0 {
		s.PointRate = c.rate
	}
	if c.begun && st.PlaybackState == PlaybackIdle && st.Underflow() && !c.underrunSeen {
		c.underrunSeen = true
		s.Underrun = true
	}
	return s
}

// SetPointRate queues a rate change that takes effect with the next batch.
func (c *Conn) SetPointRate(ctx context.Context, rate uint32) error {
	if rate == 0 {
		return fmt.Errorf("point rate must be positive: %w", laser.ErrConfigurationInvalid)
	}
	if _, err := c.command(ctx, "queue-rate", QueueRateCommand(rate)); err != nil {
		return err
	}
	c.rate = rate
	c.pendingRate = true
	return nil
}

// Disconnect asks the DAC to stop, when no exchange is in flight, and closes
// the socket. It is safe to call from any goroutine and more than once.
func (c *Conn) Disconnect() error {
	if c.mu.TryLock() {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
		c.conn.Write([]byte{CmdStop})
		c.mu.Unlock()
	}
	return c.closeConn()
}

func (c *Conn) closeConn() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Dialer connects to Ether Dream DACs over TCP.
type Dialer struct {
	// DialContext defaults to a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

var _ transport.Dialer = Dialer{}

// Dial opens the command socket and brings the DAC to the prepared state.
// The DAC greets every new connection with a ping ack.
func (d Dialer) Dial(ctx context.Context, desc dac.Descriptor, p transport.Params) (transport.Adapter, transport.Handshake, error) {
	addr := commAddr(desc.Addr)
	timeout := p.GetIOTimeout()

	dial := d.DialContext
	if dial == nil {
		nd := &net.Dialer{Timeout: timeout}
		dial = nd.DialContext
	}
	raw, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, transport.Handshake{}, fmt.Errorf("etherdream dial %s: %w: %w", addr, laser.ErrHandshakeFailure, transport.Wrap("dial", err))
	}

	capacity := desc.BufferCapacity
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	rate := p.PointRate
	if desc.PointRate > 0 && (rate == 0 || rate > desc.PointRate) {
		rate = desc.PointRate
	}
	c := newConn(raw, timeout, capacity, rate)

	fail := func(op string, err error) (transport.Adapter, transport.Handshake, error) {
		c.closeConn()
		return nil, transport.Handshake{}, fmt.Errorf("etherdream %s %s: %w: %w", op, addr, laser.ErrHandshakeFailure, err)
	}

	st, err := c.exchange(ctx, "greeting", nil, CmdPing)
	if err != nil {
		return fail("greeting", err)
	}
	if st.EStopped() {
		logf("%s is in emergency stop, clearing", addr)
		if st, err = c.command(ctx, "clear-estop", []byte{CmdClearEStop}); err != nil {
			return fail("clear-estop", err)
		}
	}
	if st.PlaybackState != PlaybackIdle {
		// a previous session left it running
		if _, err = c.command(ctx, "stop", []byte{CmdStop}); err != nil {
			return fail("stop", err)
		}
	}
	if err := c.prepare(ctx); err != nil {
		return fail("prepare", err)
	}
	if rate == 0 {
		return fail("handshake", errors.New("no point rate requested or advertised"))
	}

	hs := transport.Handshake{PointRate: rate, BufferCapacity: capacity}
	hs.Status = c.toStatus(c.LastStatus())
	logf("connected to %s at %d pps, capacity %d", addr, rate, capacity)
	return c, hs, nil
}

func commAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(CommPort))
}
