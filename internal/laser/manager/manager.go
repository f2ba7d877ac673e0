// Package manager discovers DACs and owns their streaming connections.
//
// A Manager runs the discovery sources into a shared dac.Registry, connects
// to DACs on request (waiting for them to appear, retrying the handshake
// with backoff), reconnects streams that ended on a fault while the DAC is
// still advertised, and prunes DACs that stopped advertising.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tailscale.com/util/backoff"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/events"
	"github.com/banshee-data/laserstream/internal/laser/stream"
	"github.com/banshee-data/laserstream/internal/laser/transport"
	"github.com/banshee-data/laserstream/internal/monitoring"
	"github.com/banshee-data/laserstream/internal/timeutil"
)

var logf = monitoring.Subsystem("manager")

// Options configures a Manager.
type Options struct {
	Sources []dac.Source
	Dialers transport.Dialers
	// Registry defaults to a new empty registry.
	Registry *dac.Registry
	// Events defaults to a new bus.
	Events *events.Bus
	Stream stream.Options
	// Transport is passed to every dial. Its Clock defaults to Clock.
	Transport        transport.Params
	DiscoveryTimeout time.Duration
	// HandshakeRetries is the number of dial attempts after the first.
	HandshakeRetries int
	MaxBackoff       time.Duration
	// LivenessWindow is how long a DAC may go without advertising before
	// it is pruned.
	LivenessWindow time.Duration
	PruneInterval  time.Duration
	AutoReconnect  bool
	Clock          timeutil.Clock
	// OnSessionEnd, if set, receives the final stats of every connection
	// and the error that ended it (nil for a clean close).
	OnSessionEnd func(stream.Stats, error)
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	if o.Registry == nil {
		o.Registry = dac.NewRegistry(o.Clock)
	}
	if o.Events == nil {
		o.Events = events.NewBus()
	}
	if o.Transport.Clock == nil {
		o.Transport.Clock = o.Clock
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = 5 * time.Second
	}
	if o.HandshakeRetries < 0 {
		o.HandshakeRetries = 0
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 5 * time.Second
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = o.LivenessWindow / 2
	}
	if o.Stream.Clock == nil {
		o.Stream.Clock = o.Clock
	}
	return o
}

type managed struct {
	conn   *stream.Connection
	render stream.RenderFunc
	// closing is set by Disconnect so supervision does not reconnect.
	closing bool
}

type dialCall struct {
	done chan struct{}
	conn *stream.Connection
	err  error
}

// Manager owns discovery and the set of live connections.
type Manager struct {
	opts     Options
	registry *dac.Registry
	bus      *events.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[dac.Identity]*managed
	inflight map[dac.Identity]*dialCall
	closed   bool
}

// New returns a Manager. Call Run to start discovery.
func New(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if err := opts.Stream.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Dialers) == 0 {
		return nil, fmt.Errorf("no transports configured: %w", laser.ErrConfigurationInvalid)
	}
	opts.Stream.Events = opts.Events
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		registry: opts.Registry,
		bus:      opts.Events,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[dac.Identity]*managed),
		inflight: make(map[dac.Identity]*dialCall),
	}, nil
}

// Registry is the shared arena of known DACs.
func (m *Manager) Registry() *dac.Registry { return m.registry }

// Events returns a subscription to status events. Pass the id to
// Unsubscribe when done.
func (m *Manager) Events() (string, <-chan laser.Event) { return m.bus.Subscribe() }

// Unsubscribe ends an Events subscription.
func (m *Manager) Unsubscribe(id string) { m.bus.Unsubscribe(id) }

// Bus is the event bus the manager and its connections publish to.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Available lists the DACs currently known.
func (m *Manager) Available() []dac.Descriptor { return m.registry.Snapshot() }

// Observe records an advertisement and emits dac-detected for a new DAC.
// Discovery sources report through it.
func (m *Manager) Observe(d dac.Descriptor) {
	if m.registry.Observe(d) {
		logf("detected %s", d)
		m.bus.Publish(laser.Event{Kind: laser.EventDACDetected, Time: m.opts.Clock.Now(), DAC: string(d.ID), Detail: d.Addr})
	}
}

// Run starts the discovery sources and the pruner and blocks until ctx is
// cancelled. Source failures are logged; the other sources keep running.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, src := range m.opts.Sources {
		wg.Add(1)
		go func(src dac.Source) {
			defer wg.Done()
			if err := src.Run(ctx, m.Observe); err != nil && !errors.Is(err, context.Canceled) {
				logf("discovery source %s stopped: %v", src.Name(), err)
			}
		}(src)
	}

	ticker := m.opts.Clock.NewTicker(m.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C():
			m.Prune()
		}
	}
}

// Prune removes DACs that stopped advertising, emitting dac-lost and
// closing any connection to them. A connected DAC whose stream still gets
// status replies counts as seen.
func (m *Manager) Prune() {
	m.mu.Lock()
	live := make([]*stream.Connection, 0, len(m.conns))
	for _, mc := range m.conns {
		live = append(live, mc.conn)
	}
	m.mu.Unlock()
	for _, c := range live {
		if err := c.Verify(); err != nil {
			continue
		}
		d := c.Descriptor()
		d.LastSeen = time.Time{}
		m.registry.Observe(d)
	}

	for _, d := range m.registry.Prune(m.opts.LivenessWindow) {
		logf("lost %s", d.ID)
		m.bus.Publish(laser.Event{Kind: laser.EventDACLost, Time: m.opts.Clock.Now(), DAC: string(d.ID), Detail: d.Addr})
		if _, ok := m.Connection(d.ID); ok {
			m.Disconnect(d.ID)
		}
	}
}

// Connect streams render to the DAC chosen by sel. It waits up to the
// discovery timeout for a matching DAC to be advertised. Connect is
// idempotent: while a DAC already has a live or in-progress connection, the
// same connection is returned and render is ignored.
func (m *Manager) Connect(ctx context.Context, sel dac.Selector, render stream.RenderFunc) (*stream.Connection, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	if render == nil {
		return nil, fmt.Errorf("render callback is required: %w", laser.ErrConfigurationInvalid)
	}
	d, err := m.discover(ctx, sel)
	if err != nil {
		return nil, err
	}
	return m.connect(ctx, d, render)
}

// discover waits for a DAC matching sel.
func (m *Manager) discover(ctx context.Context, sel dac.Selector) (dac.Descriptor, error) {
	deadline := m.opts.Clock.After(m.opts.DiscoveryTimeout)
	for {
		changed := m.registry.Changed()
		if d, ok := m.registry.Find(sel); ok {
			if d.State == laser.StateDisconnected && m.registry.SetState(d.ID, laser.StateDiscovering) {
				d.State = laser.StateDiscovering
			}
			return d, nil
		}
		select {
		case <-changed:
		case <-deadline:
			return dac.Descriptor{}, fmt.Errorf("no dac matching %s within %s: %w", sel, m.opts.DiscoveryTimeout, laser.ErrDiscoveryTimeout)
		case <-ctx.Done():
			return dac.Descriptor{}, ctx.Err()
		}
	}
}

func (m *Manager) connect(ctx context.Context, d dac.Descriptor, render stream.RenderFunc) (*stream.Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager: %w", laser.ErrClosed)
	}
	if mc, ok := m.conns[d.ID]; ok && !mc.closing && !ended(mc.conn) {
		m.mu.Unlock()
		return mc.conn, nil
	}
	if call, ok := m.inflight[d.ID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.conn, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	m.inflight[d.ID] = call
	m.mu.Unlock()

	call.conn, call.err = m.dial(ctx, d, render)

	m.mu.Lock()
	delete(m.inflight, d.ID)
	if call.err == nil {
		m.conns[d.ID] = &managed{conn: call.conn, render: render}
	}
	m.mu.Unlock()
	close(call.done)

	if call.err != nil {
		return nil, call.err
	}
	m.wg.Add(1)
	go m.supervise(d.ID, call.conn)
	return call.conn, nil
}

// dial performs the handshake with bounded retries and starts the stream.
func (m *Manager) dial(ctx context.Context, d dac.Descriptor, render stream.RenderFunc) (*stream.Connection, error) {
	m.registry.SetState(d.ID, laser.StateConnecting)
	bo := backoff.NewBackoff("connect "+string(d.ID), logf, m.opts.MaxBackoff)

	var lastErr error
	for attempt := 0; attempt <= m.opts.HandshakeRetries; attempt++ {
		if attempt > 0 {
			bo.BackOff(ctx, lastErr)
			if ctx.Err() != nil {
				break
			}
			// the DAC may have moved since the last attempt
			if cur, ok := m.registry.Lookup(d.ID); ok {
				d = cur
			}
		}
		adapter, hs, err := m.opts.Dialers.Dial(ctx, d, m.opts.Transport)
		if err != nil {
			lastErr = err
			logf("handshake %d/%d with %s failed: %v", attempt+1, m.opts.HandshakeRetries+1, d.ID, err)
			continue
		}

		sopts := m.opts.Stream
		id := d.ID
		sopts.OnState = func(s laser.ConnState) { m.registry.SetState(id, s) }
		conn, err := stream.New(d, adapter, hs, render, sopts)
		if err != nil {
			adapter.Disconnect()
			m.registry.SetState(d.ID, laser.StateDisconnected)
			return nil, err
		}
		m.registry.Confirm(d.ID, hs.PointRate, hs.BufferCapacity)
		conn.Start(m.ctx)
		return conn, nil
	}

	if ctx.Err() != nil {
		m.registry.SetState(d.ID, laser.StateDisconnected)
		return nil, ctx.Err()
	}
	// still advertised: back to discovery so a later Connect can retry
	m.registry.SetState(d.ID, laser.StateDiscovering)
	err := fmt.Errorf("connect %s after %d attempts: %w", d.ID, m.opts.HandshakeRetries+1, lastErr)
	if !errors.Is(err, laser.ErrHandshakeFailure) {
		err = fmt.Errorf("%w: %w", laser.ErrHandshakeFailure, err)
	}
	m.bus.Publish(laser.Event{Kind: laser.EventTransportError, Time: m.opts.Clock.Now(), DAC: string(d.ID), Err: err, Detail: "handshake"})
	return nil, err
}

// supervise waits for a connection to end and reconnects it when the
// stream failed on its own and the DAC is still advertised.
func (m *Manager) supervise(id dac.Identity, conn *stream.Connection) {
	defer m.wg.Done()
	<-conn.Done()
	if m.opts.OnSessionEnd != nil {
		m.opts.OnSessionEnd(conn.Stats(), conn.Err())
	}

	m.mu.Lock()
	mc, ok := m.conns[id]
	if !ok || mc.conn != conn {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	reconnect := m.opts.AutoReconnect && !mc.closing && !m.closed && conn.Err() != nil
	m.mu.Unlock()

	if !reconnect {
		return
	}
	if _, ok := m.registry.Lookup(id); !ok {
		logf("%s is no longer advertised, not reconnecting", id)
		return
	}
	logf("reconnecting %s after: %v", id, conn.Err())
	if _, err := m.Connect(m.ctx, dac.Selector{Mode: dac.ByIdentity, Identity: id}, mc.render); err != nil {
		logf("reconnect %s failed: %v", id, err)
	}
}

func ended(c *stream.Connection) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Disconnect closes the connection to id, if any.
func (m *Manager) Disconnect(id dac.Identity) error {
	m.mu.Lock()
	mc, ok := m.conns[id]
	if ok {
		mc.closing = true
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection to %s: %w", id, laser.ErrClosed)
	}
	return mc.conn.Close()
}

// Connection returns the live connection to id.
func (m *Manager) Connection(id dac.Identity) (*stream.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	return mc.conn, true
}

// Connections returns the stats of every live connection.
func (m *Manager) Connections() []stream.Stats {
	m.mu.Lock()
	conns := make([]*stream.Connection, 0, len(m.conns))
	for _, mc := range m.conns {
		conns = append(conns, mc.conn)
	}
	m.mu.Unlock()

	out := make([]stream.Stats, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Stats())
	}
	sortStats(out)
	return out
}

// Close disconnects everything and waits for supervision to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*stream.Connection, 0, len(m.conns))
	for _, mc := range m.conns {
		mc.closing = true
		conns = append(conns, mc.conn)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.cancel()
	m.wg.Wait()
	return nil
}
