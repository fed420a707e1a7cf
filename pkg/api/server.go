// Package api serves the health, status and metrics endpoints of the streamer.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xmhha/block-streamer/internal/constants"
	"github.com/0xmhha/block-streamer/pkg/metrics"
	"github.com/0xmhha/block-streamer/pkg/producer"
)

// StatusProvider reports the producer status. *producer.Producer satisfies it.
type StatusProvider interface {
	Status() producer.Status
}

// Config holds API server configuration
type Config struct {
	Host            string
	Port            int
	NodeID          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns host:port
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = constants.DefaultAPIHost
	}
	if c.Port == 0 {
		c.Port = constants.DefaultAPIPort
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = constants.DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = constants.DefaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = constants.DefaultShutdownTimeout
	}
}

// Server is the HTTP server for operational endpoints
type Server struct {
	config    Config
	logger    *zap.Logger
	status    StatusProvider
	metrics   *metrics.Metrics
	router    *chi.Mux
	server    *http.Server
	startTime time.Time
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is the body of /status
type StatusResponse struct {
	NodeID string `json:"node_id,omitempty"`
	Uptime string `json:"uptime"`
	producer.Status
}

// NewServer creates a server. A nil m serves the default Prometheus registry.
func NewServer(cfg Config, status StatusProvider, m *metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if status == nil {
		return nil, fmt.Errorf("status provider cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	s := &Server{
		config:    cfg,
		logger:    logger.With(zap.String("component", "api")),
		status:    status,
		metrics:   m,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.logger))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	} else {
		s.router.Handle("/metrics", promhttp.Handler())
	}
}

// handleHealth reports 503 once the producer has failed for good
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.status.Status().State

	response := HealthResponse{
		Status:    "ok",
		State:     state,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	code := http.StatusOK
	if state == producer.StateFailed {
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		NodeID: s.config.NodeID,
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
		Status: s.status.Status(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Router returns the underlying chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}
