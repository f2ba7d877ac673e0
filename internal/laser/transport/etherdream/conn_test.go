package etherdream

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/dac"
	"github.com/banshee-data/laserstream/internal/laser/transport"
)

func dialFake(t *testing.T, f *fakeDAC) *Conn {
	t.Helper()
	desc := dac.Descriptor{Family: dac.FamilyEtherDream, Addr: f.addr(), PointRate: 30000, BufferCapacity: 1799}
	a, hs, err := Dialer{}.Dial(context.Background(), desc, transport.Params{PointRate: 20000, IOTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, uint32(20000), hs.PointRate)
	assert.Equal(t, 1799, hs.BufferCapacity)
	t.Cleanup(func() { a.Disconnect() })
	return a.(*Conn)
}

func testPoints(n int) []laser.Point {
	out := make([]laser.Point, n)
	for i := range out {
		out[i] = laser.Pt(float64(i)/float64(n), 0, laser.White)
	}
	return out
}

func TestConn_StreamLifecycle(t *testing.T) {
	f := newFakeDAC(t)
	c := dialFake(t, f)
	ctx := context.Background()

	require.NoError(t, c.SendBatch(ctx, 1, testPoints(10)))
	st, err := c.PollStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Playing)
	assert.Equal(t, 10, st.Fullness)
	assert.Equal(t, 1789, st.Free())
	assert.Equal(t, uint32(20000), st.PointRate)
	assert.False(t, st.Underrun)

	require.NoError(t, c.SendBatch(ctx, 2, testPoints(5)))
	cmds, pts := f.received()
	assert.Equal(t, []byte{CmdPrepare, CmdData, CmdBegin, CmdPing, CmdData}, cmds)
	assert.Len(t, pts, 15)
}

func TestConn_UnderflowReportedOnceAndReprepares(t *testing.T) {
	f := newFakeDAC(t)
	c := dialFake(t, f)
	ctx := context.Background()
	require.NoError(t, c.SendBatch(ctx, 1, testPoints(10)))

	f.underflow()
	st, err := c.PollStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Underrun)
	assert.False(t, st.Playing)

	st, err = c.PollStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.Underrun, "underrun must be reported once per stall")

	require.NoError(t, c.SendBatch(ctx, 2, testPoints(4)))
	cmds, _ := f.received()
	assert.Equal(t, []byte{CmdPrepare, CmdData, CmdBegin, CmdPing, CmdPing, CmdPrepare, CmdData, CmdBegin}, cmds)
}

func TestConn_MalformedAck(t *testing.T) {
	f := newFakeDAC(t)
	c := dialFake(t, f)
	f.respondWith(CmdPing, 'X')

	_, err := c.PollStatus(context.Background())
	require.Error(t, err)
	assert.Equal(t, transport.KindMalformedAck, transport.Classify(err))
	assert.ErrorIs(t, err, laser.ErrTransportIO)
}

func TestConn_BufferFullIsRetryable(t *testing.T) {
	f := newFakeDAC(t)
	f.mu.Lock()
	f.capacity = 8
	f.mu.Unlock()
	c := dialFake(t, f)

	err := c.SendBatch(context.Background(), 1, testPoints(9))
	require.Error(t, err)
	assert.True(t, transport.Classify(err).Retryable())
}

func TestConn_CancelClosesSocket(t *testing.T) {
	f := newFakeDAC(t)
	c := dialFake(t, f)
	f.setStall(true)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.PollStatus(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// the socket is gone; later I/O fails as a reset
	_, err = c.PollStatus(context.Background())
	assert.Equal(t, transport.KindConnectionReset, transport.Classify(err))
}

func TestConn_Timeout(t *testing.T) {
	f := newFakeDAC(t)
	c := dialFake(t, f)
	c.timeout = 50 * time.Millisecond
	f.setStall(true)

	_, err := c.PollStatus(context.Background())
	assert.Equal(t, transport.KindTimeout, transport.Classify(err))
}

func TestConn_SetPointRateMarksNextPoint(t *testing.T) {
	f := newFakeDAC(t)
	c := dialFake(t, f)
	ctx := context.Background()
	require.NoError(t, c.SendBatch(ctx, 1, testPoints(3)))

	require.NoError(t, c.SetPointRate(ctx, 25000))
	require.NoError(t, c.SendBatch(ctx, 2, testPoints(3)))

	_, pts := f.received()
	require.Len(t, pts, 6)
	assert.Zero(t, pts[0].Control&ControlRateChange)
	assert.NotZero(t, pts[3].Control&ControlRateChange)
	assert.Zero(t, pts[4].Control&ControlRateChange)

	assert.ErrorIs(t, c.SetPointRate(ctx, 0), laser.ErrConfigurationInvalid)
}

func TestDial_ClearsEStopAndStopsStaleStream(t *testing.T) {
	f := newFakeDAC(t)
	f.setStatus(func(s *DACStatus) {
		s.LightEngineState = LightEngineEStop
		s.PlaybackState = PlaybackPlaying
	})
	dialFake(t, f)

	cmds, _ := f.received()
	assert.Equal(t, []byte{CmdClearEStop, CmdStop, CmdPrepare}, cmds)
}

func TestDial_RateClampedToAdvertisedMax(t *testing.T) {
	f := newFakeDAC(t)
	desc := dac.Descriptor{Addr: f.addr(), PointRate: 10000}
	a, hs, err := Dialer{}.Dial(context.Background(), desc, transport.Params{PointRate: 50000})
	require.NoError(t, err)
	defer a.Disconnect()
	assert.Equal(t, uint32(10000), hs.PointRate)
	assert.Equal(t, DefaultBufferCapacity, hs.BufferCapacity)
}

func TestDial_Failure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, _, err = Dialer{}.Dial(context.Background(), dac.Descriptor{Addr: addr}, transport.Params{PointRate: 1000})
	assert.ErrorIs(t, err, laser.ErrHandshakeFailure)

	refused := Dialer{DialContext: func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("no route")
	}}
	_, _, err = refused.Dial(context.Background(), dac.Descriptor{Addr: "10.9.9.9"}, transport.Params{})
	assert.ErrorIs(t, err, laser.ErrHandshakeFailure)
}

func TestCommAddr(t *testing.T) {
	assert.Equal(t, "10.0.0.1:7765", commAddr("10.0.0.1"))
	assert.Equal(t, "10.0.0.1:9000", commAddr("10.0.0.1:9000"))
}
