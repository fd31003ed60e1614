// Package server hosts the racetrack HTTP/WebSocket surface and its gRPC
// health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/racetrack/internal/platform/timeouts"
	"github.com/louisbranch/racetrack/internal/services/racetrack/broadcast"
	"github.com/louisbranch/racetrack/internal/services/racetrack/engine"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "racetrack.v1.RaceControl"

// Config defines the inputs for the racetrack transport boundary.
type Config struct {
	HTTPAddr string
	// GRPCAddr enables the gRPC health listener when set.
	GRPCAddr        string
	EnforceRoles    bool
	RoleKeys        RoleKeys
	RoleTokenSecret string
	// FrameRate caps frames per second from clients other than the lap line.
	// Zero disables the limit.
	FrameRate         int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the racetrack HTTP process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	grpcListener    net.Listener
	grpcServer      *grpc.Server
	health          *health.Server
	logger          zerolog.Logger
}

// NewServer builds a configured racetrack server over an engine and hub.
func NewServer(config Config, e *engine.Engine, hub *broadcast.Hub, logger zerolog.Logger) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if e == nil || hub == nil {
		return nil, errors.New("engine and hub are required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	logger = logger.With().Str("component", "server").Logger()

	var handler http.Handler
	frameRate := WithFrameRate(config.FrameRate)
	if config.EnforceRoles {
		var err error
		handler, err = NewHandlerWithRoles(e, hub, logger, config.RoleKeys, config.RoleTokenSecret, frameRate)
		if err != nil {
			return nil, fmt.Errorf("configure roles: %w", err)
		}
	} else {
		handler = NewHandler(e, hub, logger, frameRate)
	}

	s := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		logger: logger,
	}

	if grpcAddr := strings.TrimSpace(config.GRPCAddr); grpcAddr != "" {
		listener, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", grpcAddr, err)
		}
		s.grpcListener = listener
		s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
		s.health = health.NewServer()
		grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
		s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return s, nil
}

// GRPCAddr returns the bound health listener address, or "" when disabled.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// ListenAndServe runs the HTTP server, and the health server when
// configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("racetrack server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 2)
	s.logger.Info().Str("addr", s.httpAddr).Msg("racetrack server listening")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	if s.grpcServer != nil {
		s.logger.Info().Str("addr", s.GRPCAddr()).Msg("health server listening")
		go func() {
			if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("serve gRPC: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-serveErr:
		_ = s.shutdown()
		return err
	}
}

func (s *Server) shutdown() error {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close releases server resources without waiting for in-flight work.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil {
			s.logger.Error().Err(err).Msg("close http server")
		}
	}
}
