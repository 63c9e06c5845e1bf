// Package health provides health check and metrics HTTP endpoints for kvmux.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/kvmux/internal/control"
	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/recovery"
)

// StatusProvider reports the controller state. The controller's control
// adapter satisfies it.
type StatusProvider interface {
	Status(ctx context.Context) (*control.StatusResponse, error)
}

// Stats summarizes remote states for /healthz.
type Stats struct {
	Focus             string `json:"focus"`
	Remotes           int    `json:"remotes"`
	Connected         int    `json:"connected"`
	SettingUp         int    `json:"setting_up"`
	Failed            int    `json:"failed"`
	PermanentlyFailed int    `json:"permanently_failed"`
}

// Summarize counts the remotes of a status snapshot by state.
func Summarize(st *control.StatusResponse) Stats {
	s := Stats{Focus: st.Focus, Remotes: len(st.Remotes)}
	for _, r := range st.Remotes {
		switch r.State {
		case "connected":
			s.Connected++
		case "setting_up":
			s.SettingUp++
		case "failed":
			s.Failed++
		case "permanently_failed":
			s.PermanentlyFailed++
		}
	}
	return s
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:9310")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// StatusTimeout bounds how long a probe waits for the event loop
	StatusTimeout time.Duration

	// Gatherer serves /metrics. Defaults to the default registry.
	Gatherer prometheus.Gatherer

	// Logger receives serve errors and recovered panics.
	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "127.0.0.1:9310",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		StatusTimeout: 2 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatusProvider) *Server {
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = DefaultServerConfig().StatusTimeout
	}
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	recovery.Go(s.cfg.Logger, "health.Serve", func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && s.cfg.Logger != nil {
			s.cfg.Logger.Error("health server stopped", logging.KeyError, err)
		}
	})

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
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

// status asks the event loop for a snapshot.
func (s *Server) status(ctx context.Context) (*control.StatusResponse, error) {
	if s.provider == nil {
		return nil, errors.New("no status provider")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()
	return s.provider.Status(ctx)
}

// handleHealth handles the basic health check endpoint.
// Returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz handles the detailed health check endpoint.
// Returns 200 with remote counts while the event loop answers, 503 if it
// does not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	st, err := s.status(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "unavailable",
			"running": false,
			"error":   err.Error(),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
		Stats
	}{"healthy", true, Summarize(st)})
}

// handleReady handles the readiness probe endpoint.
// Returns 200 once the event loop answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if _, err := s.status(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY: " + strings.TrimSpace(err.Error()) + "\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}
