package grpcserver

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported alongside the overall ("") status.
const ServiceName = "rc-realtime"

// Server runs the standard grpc.health.v1 service.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

func New(logger *zap.Logger) *Server {
	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &Server{srv: srv, health: hs, logger: logger.With(zap.String("component", "grpc"))}
}

// Serve blocks serving on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// SetNotServing reports NOT_SERVING to every watcher; called when shutdown begins.
func (s *Server) SetNotServing() {
	s.health.Shutdown()
}

// Stop drains in-flight RPCs and stops the server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
