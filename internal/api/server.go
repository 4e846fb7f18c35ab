package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/mtls"
)

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	// ClientVerifier enables client certificates when set.
	ClientVerifier *mtls.Verifier
	// ClientCertRequired rejects handshakes without a client certificate.
	ClientCertRequired bool
}

// DefaultServerConfig returns a sensible default configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:            ":8443",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server wraps http.Server with graceful shutdown.
type Server struct {
	server          *http.Server
	config          *ServerConfig
	logger          *slog.Logger
	started         atomic.Bool
	shutdownStarted atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new HTTP server.
func NewServer(handler http.Handler, config *ServerConfig) (*Server, error) {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{config: config, logger: config.Logger}

	tlsConfig, err := s.buildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS config: %w", err)
	}

	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		TLSConfig:         tlsConfig,
		ErrorLog:          slog.NewLogLogger(config.Logger.Handler(), slog.LevelError),
	}
	return s, nil
}

// buildTLSConfig loads the server key pair and attaches client certificate
// verification when configured.
func (s *Server) buildTLSConfig() (*tls.Config, error) {
	if !s.config.TLSEnabled {
		if s.config.ClientVerifier != nil {
			return nil, errors.New("client certificates require TLS")
		}
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	if s.config.ClientVerifier != nil {
		return s.config.ClientVerifier.TLSConfig(cert, s.config.ClientCertRequired), nil
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start listens and serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("server already started")
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "starting HTTP server",
		"addr", listener.Addr().String(),
		"tls", s.config.TLSEnabled,
		"mtls", s.config.ClientVerifier != nil,
	)

	if s.server.TLSConfig != nil {
		err = s.server.ServeTLS(listener, "", "")
	} else {
		err = s.server.Serve(listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	if s.shutdownStarted.Swap(true) {
		return nil
	}

	s.logger.InfoContext(ctx, "shutting down HTTP server")

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.logger.InfoContext(ctx, "HTTP server stopped")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// HealthChecker runs named dependency checks.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
	logger *slog.Logger
}

// HealthCheckFunc is a function that performs a health check.
type HealthCheckFunc func(ctx context.Context) error

// NewHealthChecker creates a new health checker.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		checks: make(map[string]HealthCheckFunc),
		logger: logger,
	}
}

// Register registers a health check.
func (h *HealthChecker) Register(name string, check HealthCheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs all health checks and returns the results.
func (h *HealthChecker) Check(ctx context.Context) *HealthCheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := &HealthCheckResult{
		Status:     "healthy",
		Components: make(map[string]*ComponentHealthResult),
	}

	for name, check := range h.checks {
		componentResult := &ComponentHealthResult{Status: "healthy"}
		if err := check(ctx); err != nil {
			componentResult.Status = "unhealthy"
			componentResult.Error = err.Error()
			result.Status = "unhealthy"
			h.logger.WarnContext(ctx, "health check failed", "component", name, "error", err)
		}
		result.Components[name] = componentResult
	}

	return result
}

// HealthCheckResult represents the result of health checks.
type HealthCheckResult struct {
	Status     string                            `json:"status"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

// ComponentHealthResult represents the result of a component health check.
type ComponentHealthResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
