// Package control provides a Unix socket control interface for a running
// relay: status queries and certificate or credential reloads.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/trojan-relay/internal/health"
	"github.com/postalsys/trojan-relay/internal/logging"
)

// reloadTimeout bounds a credential reload triggered over the socket.
const reloadTimeout = 30 * time.Second

// Service is the part of the relay the control interface drives.
type Service interface {
	// IsRunning returns true if the service is accepting connections.
	IsRunning() bool

	// Stats returns service statistics.
	Stats() health.Stats

	// ReloadCert re-reads the server certificate and key.
	ReloadCert() error

	// ReloadAuth refreshes the credential set.
	ReloadAuth(ctx context.Context) error
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running bool `json:"running"`
	health.Stats
}

// ReloadResponse is the response for the reload endpoints.
type ReloadResponse struct {
	Reloaded string `json:"reloaded"`
	Error    string `json:"error,omitempty"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./trojan.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 40 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	service  Service
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server. logger may be nil.
func NewServer(cfg ServerConfig, service Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		cfg:     cfg,
		service: service,
		logger:  logger.With(slog.String(logging.KeyComponent, "control")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/reload/cert", s.handleReloadCert)
	mux.HandleFunc("/reload/auth", s.handleReloadAuth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// handleStatus handles the status endpoint.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Running: s.service.IsRunning(),
		Stats:   s.service.Stats(),
	}

	writeJSON(w, http.StatusOK, response)
}

// handleReloadCert handles the certificate reload endpoint.
func (s *Server) handleReloadCert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondReload(w, "cert", s.service.ReloadCert())
}

// handleReloadAuth handles the credential reload endpoint.
func (s *Server) handleReloadAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()

	s.respondReload(w, "auth", s.service.ReloadAuth(ctx))
}

func (s *Server) respondReload(w http.ResponseWriter, what string, err error) {
	if err != nil {
		s.logger.Warn("reload failed",
			slog.String("what", what),
			slog.String(logging.KeyError, err.Error()))
		writeJSON(w, http.StatusInternalServerError, ReloadResponse{Reloaded: what, Error: err.Error()})
		return
	}

	s.logger.Info("reloaded", slog.String("what", what))
	writeJSON(w, http.StatusOK, ReloadResponse{Reloaded: what})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
