package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/radio-control/beaconnode/internal/auth"
)

// Config holds the HTTP server timeouts.
type Config struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the server timeouts. There is no write timeout so websocket
// streams are bounded by the hub's own per-frame deadline instead.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:     10 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server represents the HTTP API server.
type Server struct {
	cfg            Config
	httpServer     *http.Server
	status         StatusPort
	telemetry      TelemetryPort
	authMiddleware *auth.Middleware
	logger         zerolog.Logger
	startTime      time.Time
}

// NewServer creates a new API server. authMiddleware may be nil, which leaves every
// route open.
func NewServer(cfg Config, status StatusPort, telemetry TelemetryPort, authMiddleware *auth.Middleware, logger zerolog.Logger) *Server {
	if authMiddleware == nil {
		authMiddleware = auth.NewMiddleware(nil)
	}
	return &Server{
		cfg:            cfg,
		status:         status,
		telemetry:      telemetry,
		authMiddleware: authMiddleware,
		logger:         logger.With().Str("component", "api").Logger(),
		startTime:      time.Now(),
	}
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Start listens on addr and serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.authMiddleware.Enabled()).Msg("Ops API listening")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
