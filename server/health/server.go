// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/absmach/mqttgw/lb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/troian/healthcheck"
)

const namespace = "mqttgw"

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	// MaxGoroutines fails liveness when exceeded; 0 disables the check.
	MaxGoroutines int
}

// Balancer is the view of a load balancer the probes need.
type Balancer interface {
	Backends() []lb.BackendStatus
	HealthyCount() int
}

// Sessions reports the number of established sessions.
type Sessions interface {
	ActiveSessions() int64
}

// Server exposes liveness, readiness, balancer status and Prometheus
// metrics over HTTP.
type Server struct {
	config    Config
	balancers map[string]Balancer
	sessions  Sessions
	checks    healthcheck.Handler
	registry  *prometheus.Registry
	logger    *slog.Logger
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. Readiness requires at least one
// healthy backend in every balancer.
func New(cfg Config, balancers map[string]Balancer, sessions Sessions, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		config:    cfg,
		balancers: balancers,
		sessions:  sessions,
		checks:    healthcheck.NewMetricsHandler(registry, namespace),
		registry:  registry,
		logger:    logger,
	}

	if err := s.register(); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.checks.LiveEndpoint)
	mux.HandleFunc("/ready", s.checks.ReadyEndpoint)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Server) register() error {
	if err := s.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if s.config.MaxGoroutines > 0 {
		if err := s.checks.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(s.config.MaxGoroutines)); err != nil {
			return err
		}
	}

	if s.sessions != nil {
		sessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Established client sessions.",
		}, func() float64 { return float64(s.sessions.ActiveSessions()) })
		if err := s.registry.Register(sessions); err != nil {
			return err
		}
	}

	for name, b := range s.balancers {
		if err := s.checks.AddReadinessCheck(name+"-backends", backendsCheck(name, b)); err != nil {
			return err
		}
		healthy := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "healthy_backends",
			Help:        "Backends currently passing health checks.",
			ConstLabels: prometheus.Labels{"balancer": name},
		}, func() float64 { return float64(b.HealthyCount()) })
		if err := s.registry.Register(healthy); err != nil {
			return err
		}
	}
	return nil
}

func backendsCheck(name string, b Balancer) healthcheck.Check {
	return func() error {
		if b.HealthyCount() == 0 {
			return fmt.Errorf("%s: %w", name, lb.ErrNoBackend)
		}
		return nil
	}
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// BackendResponse is one backend in a status report.
type BackendResponse struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"`
	Healthy bool   `json:"healthy"`
}

// StatusResponse reports balancer state and load.
type StatusResponse struct {
	Sessions   int64                        `json:"sessions"`
	Goroutines int                          `json:"goroutines"`
	Balancers  map[string][]BackendResponse `json:"balancers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Goroutines: runtime.NumGoroutine(),
		Balancers:  make(map[string][]BackendResponse, len(s.balancers)),
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.ActiveSessions()
	}
	for name, b := range s.balancers {
		statuses := b.Backends()
		backends := make([]BackendResponse, len(statuses))
		for i, st := range statuses {
			backends[i] = BackendResponse{Addr: st.Backend.Addr, Weight: st.Backend.Weight, Healthy: st.Healthy}
		}
		resp.Balancers[name] = backends
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
