package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantgate.org/internal/obs"
)

// ServiceName is the grpc.health.v1 service name reported next to "".
const ServiceName = "tenantgate"

const defaultHealthInterval = 5 * time.Second

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer publishes readiness over the standard gRPC health protocol.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewHealthServer creates the health service. Status starts as NOT_SERVING
// until the first readiness check passes.
func NewHealthServer(r readinessChecker, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	h := &HealthServer{srv: health.NewServer(), readiness: r, interval: interval}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs one readiness check and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		obs.Logger().Warn("grpc health: not ready", zap.Error(err))
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
}

// Run refreshes the status every interval until ctx is done, then marks the
// service as shutting down so clients drain.
func (h *HealthServer) Run(ctx context.Context) {
	h.Refresh(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}
