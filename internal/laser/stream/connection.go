// Package stream turns rendered frames into a paced sample stream for one
// DAC. A Connection owns a Buffer and one transport.Adapter and runs a
// producer goroutine (render, tessellate, clip, push) and a consumer
// goroutine (pop, wait for room on the DAC, send).
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/events"
	"github.com/banshee-data/laserstream/internal/laser/safety"
	"github.com/banshee-data/laserstream/internal/laser/tessellate"
	"github.com/banshee-data/laserstream/internal/laser/transport"
	"github.com/banshee-data/laserstream/internal/monitoring"
	"github.com/banshee-data/laserstream/internal/timeutil"
)

var logf = monitoring.Subsystem("stream")

// Options configures a Connection.
type Options struct {
	Tessellate tessellate.Params
	Limits     safety.Limits
	// FrameRate is the number of render intervals per second.
	FrameRate float64
	// BufferSlots is the Buffer capacity in batches.
	BufferSlots int
	// UnderrunThreshold consecutive underruns disconnect the stream.
	UnderrunThreshold int
	RenderTimeout     time.Duration
	Clock             timeutil.Clock
	Events            events.Publisher
	// OnState, if set, is called on every state change.
	OnState func(laser.ConnState)
}

// DefaultOptions returns the stock streaming options.
func DefaultOptions() Options {
	return Options{
		Tessellate:        tessellate.DefaultParams(),
		Limits:            safety.DefaultLimits(),
		FrameRate:         60,
		BufferSlots:       3,
		UnderrunThreshold: 3,
		RenderTimeout:     50 * time.Millisecond,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if err := o.Tessellate.Validate(); err != nil {
		return err
	}
	if err := o.Limits.Validate(); err != nil {
		return err
	}
	if o.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive: %w", laser.ErrConfigurationInvalid)
	}
	if o.BufferSlots < 1 {
		return fmt.Errorf("buffer slots must be at least 1: %w", laser.ErrConfigurationInvalid)
	}
	if o.UnderrunThreshold < 1 {
		return fmt.Errorf("underrun threshold must be at least 1: %w", laser.ErrConfigurationInvalid)
	}
	return nil
}

// Stats is a snapshot of a connection's counters.
type Stats struct {
	Session         string          `json:"session"`
	DAC             dac.Identity    `json:"dac"`
	State           laser.ConnState `json:"state"`
	PointRate       uint32          `json:"point_rate"`
	IntervalPoints  int             `json:"interval_points"`
	Rendered        uint64          `json:"rendered"`
	BatchesSent     uint64          `json:"batches_sent"`
	PointsSent      uint64          `json:"points_sent"`
	StaleDropped    uint64          `json:"stale_dropped"`
	Underruns       uint64          `json:"underruns"`
	UnderrunStreak  int             `json:"underrun_streak"`
	Truncated       uint64          `json:"truncated_points"`
	RenderOverruns  uint64          `json:"render_overruns"`
	TransportErrors uint64          `json:"transport_errors"`
	Buffered        int             `json:"buffered"`
	Safety          safety.Snapshot `json:"safety"`
	Started         time.Time       `json:"started"`
	LastStatus      time.Time       `json:"last_status"`
}

// Connection streams to one DAC until closed or a fatal error.
type Connection struct {
	id       string
	desc     dac.Descriptor
	adapter  transport.Adapter
	hs       transport.Handshake
	opts     Options
	clock    timeutil.Clock
	events   events.Publisher
	interval int
	period   time.Duration

	buf     *Buffer
	tess    *tessellate.Tessellator
	clipper *safety.Clipper
	render  *renderer

	gen   atomic.Uint64
	state atomic.Int32

	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	start    sync.Once
	finished sync.Once
	errMu    sync.Mutex
	err      error

	startedAt    atomic.Int64
	lastStatus   atomic.Int64
	rendered     atomic.Uint64
	batchesSent  atomic.Uint64
	pointsSent   atomic.Uint64
	staleDropped atomic.Uint64
	underruns    atomic.Uint64
	streak       atomic.Int32
	truncated    atomic.Uint64
	overruns     atomic.Uint64
	transportErr atomic.Uint64
}

// New prepares a connection over an adapter that has completed its
// handshake. Start begins streaming.
func New(desc dac.Descriptor, adapter transport.Adapter, hs transport.Handshake, render RenderFunc, opts Options) (*Connection, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if render == nil {
		return nil, fmt.Errorf("render callback is required: %w", laser.ErrConfigurationInvalid)
	}
	if hs.PointRate == 0 {
		return nil, fmt.Errorf("dac %s confirmed no point rate: %w", desc.ID, laser.ErrHandshakeFailure)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Discard
	}

	interval := tessellate.IntervalPoints(float64(hs.PointRate), opts.FrameRate)
	if hs.BufferCapacity > 0 {
		// keep one batch queued on the DAC while the next is sent; a batch
		// must always fit, even in a one-point buffer
		interval = min(interval, max(1, hs.BufferCapacity/2))
	}
	desc.PointRate = hs.PointRate
	if hs.BufferCapacity > 0 {
		desc.BufferCapacity = hs.BufferCapacity
	}

	c := &Connection{
		id:       uuid.NewString(),
		desc:     desc,
		adapter:  adapter,
		hs:       hs,
		opts:     opts,
		clock:    clock,
		events:   pub,
		interval: interval,
		period:   time.Duration(float64(time.Second) / opts.FrameRate),
		buf:      NewBuffer(opts.BufferSlots),
		tess:     tessellate.New(opts.Tessellate),
		clipper:  safety.New(opts.Limits),
		render:   &renderer{fn: render, timeout: opts.RenderTimeout, clock: clock},
		done:     make(chan struct{}),
	}
	c.state.Store(int32(laser.StateConnecting))
	return c, nil
}

// ID is the session id.
func (c *Connection) ID() string { return c.id }

// Descriptor is the DAC with its handshake-confirmed rate and capacity.
func (c *Connection) Descriptor() dac.Descriptor {
	d := c.desc
	d.State = c.State()
	return d
}

// IntervalPoints is the number of samples per render interval.
func (c *Connection) IntervalPoints() int { return c.interval }

// State is the current connection state.
func (c *Connection) State() laser.ConnState { return laser.ConnState(c.state.Load()) }

// Done is closed when both goroutines have exited and the adapter is
// disconnected.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the stream, nil after Close.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) setState(s laser.ConnState) {
	if laser.ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Connection) publish(kind laser.EventKind, err error, detail string) {
	c.events.Publish(laser.Event{
		Kind:    kind,
		Time:    c.clock.Now(),
		DAC:     string(c.desc.ID),
		Session: c.id,
		Err:     err,
		Detail:  detail,
	})
}

// Start launches the producer and consumer under a context derived from
// ctx. Cancelling ctx stops the stream like Close.
func (c *Connection) Start(ctx context.Context) {
	c.start.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		now := c.clock.Now()
		c.startedAt.Store(now.UnixNano())
		c.lastStatus.Store(now.UnixNano())
		c.setState(laser.StateStreaming)
		c.publish(laser.EventConnected, nil, fmt.Sprintf("session %s at %d pps, %d points per interval", c.id, c.hs.PointRate, c.interval))
		logf("%s: streaming at %d pps, %d points per interval", c.desc.ID, c.hs.PointRate, c.interval)

		c.wg.Add(2)
		go c.produce(ctx)
		go c.consume(ctx)
		go func() {
			<-ctx.Done()
			c.finish(nil)
			c.wg.Wait()
			c.adapter.Disconnect()
			close(c.done)
		}()
	})
}

// Close stops streaming and waits for the goroutines to exit.
func (c *Connection) Close() error {
	c.start.Do(func() {
		// never started: release the adapter directly
		c.cancel = func() {}
		c.finish(nil)
		c.adapter.Disconnect()
		close(c.done)
	})
	c.cancel()
	<-c.done
	return nil
}

// finish records the terminal error, moves to Disconnected and emits the
// one disconnected event. Only the first call has any effect.
func (c *Connection) finish(err error) {
	c.finished.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		c.setState(laser.StateDisconnected)
		c.buf.Close()
		detail := "closed"
		if err != nil {
			detail = err.Error()
			logf("%s: disconnected: %v", c.desc.ID, err)
		}
		c.publish(laser.EventDisconnected, err, detail)
		if c.cancel != nil {
			c.cancel()
		}
	})
}

// fail ends the stream with a transport error.
func (c *Connection) fail(err error) {
	c.transportErr.Add(1)
	c.publish(laser.EventTransportError, err, transport.Classify(err).String())
	c.finish(err)
}

// Verify reports whether the DAC answered a status poll recently. It is
// used when the DAC stops advertising: a stream that still gets status
// replies is left running.
func (c *Connection) Verify() error {
	if !c.State().Active() {
		return fmt.Errorf("connection %s is %s: %w", c.id, c.State(), laser.ErrClosed)
	}
	window := 2*c.period + time.Second
	last := time.Unix(0, c.lastStatus.Load())
	if since := c.clock.Since(last); since > window {
		return fmt.Errorf("no status from %s for %s: %w", c.desc.ID, since.Round(time.Millisecond), laser.ErrTransportIO)
	}
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Connection) Stats() Stats {
	return Stats{
		Session:         c.id,
		DAC:             c.desc.ID,
		State:           c.State(),
		PointRate:       c.hs.PointRate,
		IntervalPoints:  c.interval,
		Rendered:        c.rendered.Load(),
		BatchesSent:     c.batchesSent.Load(),
		PointsSent:      c.pointsSent.Load(),
		StaleDropped:    c.staleDropped.Load(),
		Underruns:       c.underruns.Load(),
		UnderrunStreak:  int(c.streak.Load()),
		Truncated:       c.truncated.Load(),
		RenderOverruns:  c.overruns.Load(),
		TransportErrors: c.transportErr.Load(),
		Buffered:        c.buf.Len(),
		Safety:          c.clipper.Stats(),
		Started:         time.Unix(0, c.startedAt.Load()),
		LastStatus:      time.Unix(0, c.lastStatus.Load()),
	}
}

// produce renders, tessellates and clips one interval at a time.
func (c *Connection) produce(ctx context.Context) {
	defer c.wg.Done()
	var seq uint64
	for ctx.Err() == nil {
		seq++
		gen := c.gen.Load()
		rc := RenderContext{
			Elapsed:      c.clock.Since(time.Unix(0, c.startedAt.Load())),
			TargetPoints: c.interval,
			Seq:          seq,
			DAC:          c.desc,
		}
		frame, err := c.render.render(ctx, rc)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			// blank interval in place of the missing frame
			c.overruns.Add(1)
			c.publish(laser.EventFrameTruncated, err, fmt.Sprintf("interval %d rendered blank", seq))
			frame = laser.Frame{}
		}
		c.rendered.Add(1)

		res := c.tess.Tessellate(frame, c.interval)
		if res.Truncated > 0 {
			c.truncated.Add(uint64(res.Truncated))
			c.events.Publish(laser.Event{
				Kind:    laser.EventFrameTruncated,
				Time:    c.clock.Now(),
				DAC:     string(c.desc.ID),
				Session: c.id,
				Err:     laser.ErrFrameOverflow,
				Detail:  fmt.Sprintf("interval %d: %d of %d points dropped (%s)", seq, res.Truncated, res.Produced, c.opts.Tessellate.Truncation),
				Dropped: res.Truncated,
			})
		}
		batch := Batch{Seq: seq, Points: c.clipper.Clip(res.Points), Gen: gen, Rendered: c.clock.Now()}
		if err := c.buf.Push(ctx, batch); err != nil {
			return
		}
	}
}

// consume sends batches as the DAC makes room for them.
func (c *Connection) consume(ctx context.Context) {
	defer c.wg.Done()
	var lastUnderrun time.Time
	for {
		batch, err := c.buf.Pop(ctx)
		if err != nil {
			return
		}
		if batch.Gen != c.gen.Load() {
			c.staleDropped.Add(1)
			continue
		}
		if !c.deliver(ctx, batch, &lastUnderrun) {
			return
		}
	}
}

// deliver waits for room and sends one batch. It returns false when the
// stream has ended.
func (c *Connection) deliver(ctx context.Context, batch Batch, lastUnderrun *time.Time) bool {
	for attempt := 0; ; attempt++ {
		underran, err := c.waitForRoom(ctx, len(batch.Points), lastUnderrun)
		if err != nil {
			c.endWith(ctx, err)
			return false
		}
		if !underran {
			err = c.adapter.SendBatch(ctx, batch.Seq, batch.Points)
			if err == nil {
				c.batchesSent.Add(1)
				c.pointsSent.Add(uint64(len(batch.Points)))
				if c.State() == laser.StateUnderrun {
					c.setState(laser.StateStreaming)
				}
				return true
			}
			if ctx.Err() != nil {
				return false
			}
			if !errors.Is(err, laser.ErrBufferUnderrun) {
				if attempt == 0 && transport.Classify(err).Retryable() {
					logf("%s: retrying batch %d after %v", c.desc.ID, batch.Seq, err)
					continue
				}
				c.fail(err)
				return false
			}
			c.underrun(lastUnderrun)
		}
		// the batch in hand is stale after an underrun
		if streak := int(c.streak.Load()); streak >= c.opts.UnderrunThreshold {
			c.finish(fmt.Errorf("%d consecutive underruns: %w", streak, laser.ErrBufferUnderrun))
			return false
		}
		return true
	}
}

// endWith fails the stream unless ctx ended it first.
func (c *Connection) endWith(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.fail(err)
}

// waitForRoom polls until the DAC can take n points, sleeping for the
// estimated drain time in between. It reports underran when the DAC ran dry.
func (c *Connection) waitForRoom(ctx context.Context, n int, lastUnderrun *time.Time) (underran bool, err error) {
	retried := false
	for {
		st, err := c.adapter.PollStatus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if errors.Is(err, laser.ErrBufferUnderrun) {
				c.underrun(lastUnderrun)
				return true, nil
			}
			if !retried && transport.Classify(err).Retryable() {
				retried = true
				logf("%s: retrying status poll after %v", c.desc.ID, err)
				continue
			}
			return false, err
		}
		retried = false
		c.lastStatus.Store(c.clock.Now().UnixNano())

		if st.Underrun {
			c.underrun(lastUnderrun)
			return true, nil
		}
		// a full interval without underrun ends the streak
		if c.streak.Load() > 0 && c.clock.Since(*lastUnderrun) >= c.period {
			c.streak.Store(0)
		}

		free := st.Free()
		if free >= n {
			return false, nil
		}
		wait := max(st.DrainTime(n-free), time.Millisecond)
		if err := timeutil.Sleep(ctx, c.clock, wait); err != nil {
			return false, err
		}
	}
}

// underrun records one underrun and discards queued batches so the next
// send comes from a fresh render.
func (c *Connection) underrun(lastUnderrun *time.Time) {
	streak := c.streak.Add(1)
	c.underruns.Add(1)
	*lastUnderrun = c.clock.Now()
	c.gen.Add(1)
	dropped := c.buf.Reset()
	c.staleDropped.Add(uint64(dropped))
	c.setState(laser.StateUnderrun)
	c.publish(laser.EventUnderrun, laser.ErrBufferUnderrun, fmt.Sprintf("underrun %d of %d, %d stale batches dropped", streak, c.opts.UnderrunThreshold, dropped))
}
