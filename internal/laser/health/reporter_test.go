package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/testing/protocmp"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func serve(t *testing.T, r *Reporter) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 16)
	s := grpc.NewServer()
	r.Register(s)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestReporter_FollowsEvents(t *testing.T) {
	r := NewReporter()
	c := serve(t, r)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))

	_, err := c.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName("sim:alpha")})
	assert.Equal(t, codes.NotFound, status.Code(err))

	r.Apply(laser.Event{Kind: laser.EventDACDetected, DAC: "sim:alpha"})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName("sim:alpha")))

	r.Apply(laser.Event{Kind: laser.EventConnected, DAC: "sim:alpha", Session: "s1"})
	r.Apply(laser.Event{Kind: laser.EventConnected, DAC: "sim:beta", Session: "s2"})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ServiceName("sim:alpha")))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))
	assert.True(t, r.Streaming("sim:alpha"))

	r.Apply(laser.Event{Kind: laser.EventUnderrun, DAC: "sim:alpha", Session: "s1"})
	r.Apply(laser.Event{Kind: laser.EventTransportError, DAC: "sim:alpha", Session: "s1", Err: errors.New("eof")})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ServiceName("sim:alpha")))

	r.Apply(laser.Event{Kind: laser.EventDisconnected, DAC: "sim:alpha", Session: "s1"})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName("sim:alpha")))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, c, ""))

	r.Apply(laser.Event{Kind: laser.EventTransportError, DAC: "sim:beta", Detail: "handshake"})
	assert.False(t, r.Streaming("sim:beta"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))
}

func TestReporter_Run(t *testing.T) {
	r := NewReporter()
	c := serve(t, r)

	ch := make(chan laser.Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), ch)
	}()
	ch <- laser.Event{Kind: laser.EventConnected, DAC: "sim:alpha", Session: "s1"}
	close(ch)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName("sim:alpha")})
	require.NoError(t, err)
	want := &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	if diff := cmp.Diff(want, resp, protocmp.Transform()); diff != "" {
		t.Errorf("Check mismatch (-want +got):\n%s", diff)
	}
}

func TestReporter_Shutdown(t *testing.T) {
	r := NewReporter()
	c := serve(t, r)
	r.Apply(laser.Event{Kind: laser.EventConnected, DAC: "sim:alpha", Session: "s1"})
	r.Shutdown()

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ServiceName("sim:alpha")))
	r.Apply(laser.Event{Kind: laser.EventConnected, DAC: "sim:beta", Session: "s2"})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, c, ""))
}
