// Package control provides a Unix socket control interface for kvmux.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/logging"
	"github.com/postalsys/kvmux/internal/recovery"
)

var (
	// ErrUnknownNode is returned for a node name that matches no remote
	ErrUnknownNode = errors.New("unknown node")

	// ErrNotConnected is returned when focusing a remote that is not connected
	ErrNotConnected = errors.New("remote not connected")
)

// Engine is the controller as seen by the control interface.
type Engine interface {
	// Status returns a snapshot of every remote and the focused node.
	Status(ctx context.Context) (*StatusResponse, error)

	// Reconnect resets the named remote, or every remote if node is
	// empty, making it eligible to reconnect immediately.
	Reconnect(ctx context.Context, node string) error

	// Focus moves input focus to the named node ("master" for the
	// controller).
	Focus(ctx context.Context, node string) error
}

// RemoteInfo describes one remote.
type RemoteInfo struct {
	Alias           string     `json:"alias"`
	Hostname        string     `json:"hostname"`
	State           string     `json:"state"`
	FailCount       int        `json:"fail_count"`
	NextReconnect   *time.Time `json:"next_reconnect,omitempty"`
	PID             int        `json:"pid,omitempty"`
	BacklogMessages int        `json:"backlog_messages"`
	BacklogBytes    int        `json:"backlog_bytes"`
	Focused         bool       `json:"focused"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Focus   string       `json:"focus"`
	Remotes []RemoteInfo `json:"remotes"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration

	// Logger receives serve errors and recovered panics.
	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./kvmux.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	engine   Engine
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, engine Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/reconnect", s.handleReconnect)
	mux.HandleFunc("/focus", s.handleFocus)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server. The socket is created accessible to
// the owner only.
func (s *Server) Start() error {
	// Remove existing socket file if it exists
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := listenPrivate(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.listener = ln
	s.running.Store(true)

	recovery.Go(s.cfg.Logger, "control.Serve", func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && s.cfg.Logger != nil {
			s.cfg.Logger.Error("control server stopped", logging.KeyError, err)
		}
	})

	return nil
}

// listenPrivate creates the socket with owner-only permissions. The umask
// is process wide, so it is narrowed only for the duration of the bind.
func listenPrivate(path string) (net.Listener, error) {
	old := unix.Umask(0o177)
	defer unix.Umask(old)
	return net.Listen("unix", path)
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Shutdown server
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	// Remove socket file
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
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleReconnect handles the reconnect endpoint. An optional node query
// parameter limits it to one remote.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	if err := s.engine.Reconnect(r.Context(), r.URL.Query().Get("node")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleFocus handles the focus endpoint.
func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	node := r.URL.Query().Get("node")
	if node == "" {
		writeError(w, http.StatusBadRequest, errors.New("node parameter is required"))
		return
	}
	if err := s.engine.Focus(r.Context(), node); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
