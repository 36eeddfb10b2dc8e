package server

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPC serves the standard health service plus reflection, for probes and
// operational tooling (grpcurl, grpcui). The trading surface stays on HTTP.
type GRPC struct {
	server *grpc.Server
	health *health.Server
	addr   string
	log    zerolog.Logger
}

func NewGRPC(addr string, log zerolog.Logger) *GRPC {
	server := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	return &GRPC{
		server: server,
		health: healthServer,
		addr:   addr,
		log:    log,
	}
}

// SetServing flips the health service's top-level status.
func (s *GRPC) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serve listens until ctx is cancelled.
func (s *GRPC) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("grpc server shutting down")
		s.server.GracefulStop()
	}()

	s.log.Info().Str("addr", s.addr).Msg("grpc server listening")
	return s.server.Serve(lis)
}
