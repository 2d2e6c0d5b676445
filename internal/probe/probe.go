// Package probe exposes the grpc.health.v1 service, reflecting whether the
// analysis backend answers its health endpoint.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// BackendService is the health service name tracking the analysis backend.
const BackendService = "rightify.backend"

// Checker reports whether a dependency is healthy.
type Checker interface {
	Health(ctx context.Context) error
}

// Config controls the probe.
type Config struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
}

// Server serves grpc.health.v1 and refreshes it from a background check loop.
type Server struct {
	cfg     Config
	checker Checker
	health  *health.Server
	grpc    *grpc.Server
	logger  *slog.Logger
}

// New builds a probe server. Nothing listens until Run.
func New(cfg Config, checker Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(BackendService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
	}))
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		cfg:     cfg,
		checker: checker,
		health:  hs,
		grpc:    gs,
		logger:  logger.With("component", "probe"),
	}
}

// Check runs one backend check and publishes the result.
func (s *Server) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.checker.Health(ctx); err != nil {
		s.logger.Warn("Backend health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(BackendService, status)
	s.health.SetServingStatus("", status)
	return status == healthpb.HealthCheckResponse_SERVING
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, checking the backend every interval.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpc.Serve(lis)
	}()
	s.logger.Info("gRPC health probe listening", "addr", lis.Addr().String(), "interval", s.cfg.Interval)

	s.Check(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpc.GracefulStop()
			s.logger.Info("gRPC health probe stopped", "reason", ctx.Err())
			return nil
		case err := <-serveErr:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve health probe: %w", err)
			}
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}
