package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/openjobspec/captcha-relay/internal/api"
)

// HealthServiceName is the service name reported by the gRPC health server.
const HealthServiceName = "captcha.relay.v1.Relay"

// NewGRPCServer creates a gRPC server exposing the standard health service
// and reflection. The service starts as SERVING.
func NewGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	healthSrv.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(srv)
	return srv, healthSrv
}

// WatchStoreHealth mirrors store reachability into healthSrv every interval
// until ctx is cancelled.
func WatchStoreHealth(ctx context.Context, healthSrv *health.Server, store api.StoreChecker, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		if healthy := store.Healthy(); healthy != serving {
			serving = healthy
			status := healthpb.HealthCheckResponse_SERVING
			if !healthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			slog.Warn("job store reachability changed", "component", "grpc", "healthy", healthy)
			healthSrv.SetServingStatus(HealthServiceName, status)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
