package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shawkym/reqchat/pkg/log"
)

// Health status values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
	HealthStarting = "starting"
)

// Health is the /health payload: the chat session's view of its channel.
type Health struct {
	Status            string `json:"status"`
	Connection        string `json:"connection"`
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	ReconnectCeiling  int    `json:"reconnect_ceiling"`
	Indicator         string `json:"indicator"`
}

// HealthFunc reports the current session health.
type HealthFunc func() Health

// Server serves /metrics for the registry and /health for the session
// attached with SetHealthFunc.
type Server struct {
	addr     string
	server   *http.Server
	registry *prometheus.Registry
	metrics  *Metrics

	mu     sync.RWMutex
	health HealthFunc
}

// ServerConfig contains configuration for the metrics server.
type ServerConfig struct {
	// Addr is the listen address. Empty uses the config default.
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Registry defaults to a fresh registry, so the process-wide default
	// collectors are not exported.
	Registry *prometheus.Registry
}

// NewServer creates the server and the collectors it exports.
func NewServer(config ServerConfig) *Server {
	if config.Addr == "" {
		config.Addr = ":9090"
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		addr:     config.Addr,
		registry: config.Registry,
		metrics:  NewMetrics(config.Registry),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleIndex)

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	log.WithField("addr", s.addr).Info("starting metrics server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("metrics server failed")
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("metrics server shutdown failed")
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	log.Info("metrics server stopped")
	return nil
}

// GetMetrics returns the collectors to hand to the session.
func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}

// SetHealthFunc attaches the session whose state /health reports.
func (s *Server) SetHealthFunc(fn HealthFunc) {
	s.mu.Lock()
	s.health = fn
	s.mu.Unlock()
}

// handleHealth answers 200 while the channel is usable or recovering and
// 503 before a session is attached or once reconnects ran out.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	fn := s.health
	s.mu.RUnlock()

	h := Health{Status: HealthStarting}
	if fn != nil {
		h = fn()
	}

	code := http.StatusOK
	if h.Status == HealthStarting || h.Status == HealthOffline {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		log.WithError(err).Debug("failed to write health response")
	}
}

// handleIndex lists the endpoints and the metric families reported so far.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	families, err := s.registry.Gather()
	if err != nil {
		log.WithError(err).Warn("failed to gather metrics for index")
	}

	lines := make([]string, 0, len(families))
	for _, mf := range families {
		lines = append(lines, fmt.Sprintf("  %s  %s", mf.GetName(), mf.GetHelp()))
	}
	sort.Strings(lines)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "reqchat metrics")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  /metrics  Prometheus exposition")
	fmt.Fprintln(w, "  /health   session connection state as JSON")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Reported metrics:")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}
