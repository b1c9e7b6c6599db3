package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer serves grpc.health.v1 and reflection. The named service is
// SERVING while the pinger succeeds.
type HealthServer struct {
	server  *grpc.Server
	health  *health.Server
	pinger  Pinger
	service string
	logger  *zap.Logger
}

func NewHealthServer(service string, pinger Pinger, logger *zap.Logger) *HealthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		server:  srv,
		health:  hs,
		pinger:  pinger,
		service: service,
		logger:  logger.Named("grpc-health"),
	}
}

// Check pings the dependency once and publishes the result.
func (s *HealthServer) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.pinger.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed", zap.String("service", s.service), zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(s.service, status)
	s.health.SetServingStatus("", status)
	return status
}

// Watch re-runs Check every interval until ctx is done.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			s.Check(checkCtx)
			cancel()
		}
	}
}

func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server started", zap.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

func (s *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
