package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fieldops.org/internal/obs"
)

// HealthServer publishes the readiness probe through the standard
// grpc.health.v1.Health service, both for the empty service name and for
// serviceName.
type HealthServer struct {
	*health.Server
	readiness readinessChecker
}

// NewHealthServer creates the health service. Status starts as NOT_SERVING
// until the first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	s := &HealthServer{Server: health.NewServer(), readiness: r}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to g.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.Server)
}

// Refresh runs the probe once and updates the published status.
func (s *HealthServer) Refresh(ctx context.Context) bool {
	ok := true
	if s.readiness != nil {
		ok = s.readiness.Check(ctx) == nil
	}
	obs.SetReady(ok)
	if ok {
		s.set(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return ok
}

// Run refreshes every interval until ctx is done, then marks everything
// NOT_SERVING for the drain.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s.refreshWithTimeout(ctx, interval)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return
		case <-t.C:
			s.refreshWithTimeout(ctx, interval)
		}
	}
}

func (s *HealthServer) refreshWithTimeout(ctx context.Context, d time.Duration) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	s.Refresh(cctx)
}

func (s *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.SetServingStatus("", st)
	s.SetServingStatus(serviceName, st)
}
