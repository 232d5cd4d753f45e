// Package health serves liveness, readiness and Prometheus metrics over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/trojan-relay/internal/config"
	"github.com/postalsys/trojan-relay/internal/sysinfo"
)

const shutdownTimeout = 5 * time.Second

// StatsProvider provides service statistics.
type StatsProvider interface {
	// IsRunning returns true if the service is accepting connections.
	IsRunning() bool

	// Stats returns service statistics.
	Stats() Stats
}

// Stats contains service health statistics.
type Stats struct {
	Mode           string `json:"mode"`
	ListenAddress  string `json:"listen_address"`
	ActiveSessions int    `json:"active_sessions"`
	UDPSessions    int    `json:"udp_sessions"`
	Credentials    int    `json:"credentials,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`

	Node *sysinfo.Info `json:"node,omitempty"`
}

// HealthzResponse is the body of /healthz. Stats are present only while the
// relay is running.
type HealthzResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	*Stats
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	// Gatherer backs /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ServerConfigFrom converts the health block, keeping defaults for unset
// timeouts.
func ServerConfigFrom(c config.HealthConfig) ServerConfig {
	cfg := DefaultServerConfig()
	if c.Address != "" {
		cfg.Address = c.Address
	}
	if c.ReadTimeout > 0 {
		cfg.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}
	cfg.Pprof = c.Pprof
	return cfg
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server. A nil provider is reported
// as not running.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(s.handleHealth))
	mux.HandleFunc("/healthz", getOnly(s.handleHealthz))
	mux.HandleFunc("/ready", getOnly(s.handleReady))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop shuts the server down. It is safe to call more than once.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the bound address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) serving() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// handleHealth answers as long as the process is up.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK\n")
}

// handleHealthz reports relay statistics, or 503 when the relay is not
// accepting connections.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.serving() {
		writeJSON(w, http.StatusServiceUnavailable, HealthzResponse{Status: "unavailable"})
		return
	}

	stats := s.provider.Stats()
	writeJSON(w, http.StatusOK, HealthzResponse{
		Status:  "healthy",
		Running: true,
		Stats:   &stats,
	})
}

// handleReady is the readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.serving() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY\n")
		return
	}
	writeText(w, http.StatusOK, "READY\n")
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
