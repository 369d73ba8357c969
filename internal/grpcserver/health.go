// payment-core/internal/grpcserver/health.go
//
// Package grpcserver exposes grpc.health.v1 for the payment core. Each
// guarded dependency is its own health service and reports NOT_SERVING while
// its circuit breaker is open.
package grpcserver

import (
	"context"
	"net"

	gp "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/payment-core/internal/resilience"
)

type Health struct {
	srv *health.Server
	log *zap.Logger
}

// NewHealth registers the overall service ("") and one entry per dependency,
// all SERVING.
func NewHealth(log *zap.Logger, dependencies ...string) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Health{srv: health.NewServer(), log: log.Named("grpc")}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, d := range dependencies {
		h.srv.SetServingStatus(d, healthpb.HealthCheckResponse_SERVING)
	}
	return h
}

// BreakerHook is a resilience.OnStateChange hook.
func (h *Health) BreakerHook(name string, _, to resilience.State) {
	status := healthpb.HealthCheckResponse_SERVING
	if to == resilience.StateOpen {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus(name, status)
	h.log.Info("dependency health changed", zap.String("dependency", name), zap.String("status", status.String()))
}

func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// NewServer builds a grpc server with prometheus interceptors and the health
// service registered.
func NewServer(h *Health) *grpc.Server {
	s := grpc.NewServer(
		grpc.UnaryInterceptor(gp.UnaryServerInterceptor),
		grpc.StreamInterceptor(gp.StreamServerInterceptor),
	)
	healthpb.RegisterHealthServer(s, h.srv)
	gp.Register(s)
	return s
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, s *grpc.Server, h *Health) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lis, s, h)
}

func ServeListener(ctx context.Context, lis net.Listener, s *grpc.Server, h *Health) error {
	errCh := make(chan error, 1)
	go func() {
		h.log.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	h.log.Info("shutting down grpc server")
	h.srv.Shutdown()
	s.GracefulStop()
	return <-errCh
}
