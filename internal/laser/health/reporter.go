// Package health publishes DAC streaming state over the standard gRPC
// health-checking protocol (grpc.health.v1).
//
// Each DAC is its own service, named by ServiceName. The empty service name
// reports SERVING while at least one DAC is streaming.
package health

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/monitoring"
)

var logf = monitoring.Subsystem("health")

// ServicePrefix prefixes per-DAC service names.
const ServicePrefix = "laserstream.dac/"

// ServiceName is the health service name for a DAC identity.
func ServiceName(dacID string) string { return ServicePrefix + dacID }

// Reporter folds status events into a grpc health server.
type Reporter struct {
	srv *health.Server

	mu        sync.Mutex
	streaming map[string]bool
}

// NewReporter returns a Reporter whose overall status starts NOT_SERVING
// until some DAC is streaming.
func NewReporter() *Reporter {
	r := &Reporter{
		srv:       health.NewServer(),
		streaming: make(map[string]bool),
	}
	r.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Register exposes the health service on s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// Apply updates the served status for one event. Underruns and truncation
// leave the status alone: the stream is degraded but still running.
func (r *Reporter) Apply(e laser.Event) {
	if e.DAC == "" {
		return
	}
	var status healthpb.HealthCheckResponse_ServingStatus
	switch e.Kind {
	case laser.EventConnected:
		status = healthpb.HealthCheckResponse_SERVING
	case laser.EventDACDetected, laser.EventDisconnected, laser.EventDACLost:
		status = healthpb.HealthCheckResponse_NOT_SERVING
	case laser.EventTransportError:
		// Stream faults are followed by a disconnected event. Only a failed
		// handshake, which has no session, changes the status here.
		if e.Session != "" {
			return
		}
		status = healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if status == healthpb.HealthCheckResponse_SERVING {
		r.streaming[e.DAC] = true
	} else {
		delete(r.streaming, e.DAC)
	}
	r.srv.SetServingStatus(ServiceName(e.DAC), status)
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if len(r.streaming) > 0 {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus("", overall)
}

// Streaming reports whether the reporter currently considers dacID live.
func (r *Reporter) Streaming(dacID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streaming[dacID]
}

// Run applies events from ch until ctx ends or ch closes.
func (r *Reporter) Run(ctx context.Context, ch <-chan laser.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Apply(e)
		}
	}
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() {
	logf("marking all services not serving")
	r.srv.Shutdown()
}
