package httpapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"tenauth.org/internal/obs"
)

const serviceName = "tenauth-api"

// GRPCServer exposes the standard gRPC health service so orchestrators can
// probe the process without going through HTTP.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	probe  ReadyProbe
}

// NewGRPCServer creates the gRPC wrapper around the readiness probe.
func NewGRPCServer(rp ReadyProbe) *GRPCServer {
	s := grpc.NewServer()
	h := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, h)
	return &GRPCServer{server: s, health: h, probe: rp}
}

// Serve listens on addr and keeps the health status current until ctx ends.
func (g *GRPCServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		g.refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				g.server.GracefulStop()
				return
			case <-ticker.C:
				g.refresh(ctx)
			}
		}
	}()

	return g.server.Serve(lis)
}

func (g *GRPCServer) refresh(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.probe.Check(checkCtx); err != nil {
		obs.SetReady(false)
		g.health.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		return
	}
	obs.SetReady(true)
	g.health.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
}
