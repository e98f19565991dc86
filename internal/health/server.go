// Package health exposes dependency health over the standard gRPC health
// protocol. Each breaker is a health service; the empty service name reports
// the process as a whole.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Aidin1998/scriptforge/internal/resilience"
	"github.com/Aidin1998/scriptforge/pkg/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Server is the gRPC health endpoint.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func NewServer(enableReflection bool, lg *zap.Logger) *Server {
	s := &Server{
		health: health.NewServer(),
		logger: logger.OrNop(lg),
	}
	s.grpc = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{MaxConnectionIdle: 5 * time.Minute}),
		grpc.ChainUnaryInterceptor(s.loggingUnaryInterceptor),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	if enableReflection {
		reflection.Register(s.grpc)
	}
	return s
}

// Track marks a dependency as serving. Call once per registered breaker.
func (s *Server) Track(dependency string) {
	s.health.SetServingStatus(dependency, healthpb.HealthCheckResponse_SERVING)
}

// OnBreakerChange is a resilience.StateListener: a dependency whose breaker is
// OPEN reports NOT_SERVING; CLOSED and HALF_OPEN report SERVING.
func (s *Server) OnBreakerChange(name string, _, to resilience.State) {
	st := healthpb.HealthCheckResponse_SERVING
	if to == resilience.StateOpen {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(name, st)
}

// Check answers a health query in process, as a remote client would see it.
func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Serve blocks until Shutdown or a listener failure.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.logger.Info("gRPC health server listening", zap.String("addr", addr))
	return s.grpc.Serve(lis)
}

// Shutdown flips every service to NOT_SERVING and stops gracefully.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) loggingUnaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		st, _ := status.FromError(err)
		fields = append(fields, zap.String("grpc_code", st.Code().String()), zap.Error(err))
		s.logger.Warn("gRPC call failed", fields...)
	} else {
		s.logger.Debug("gRPC call completed", fields...)
	}
	return resp, err
}
