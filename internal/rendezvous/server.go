package rendezvous

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/natchat/internal/logging"
	"github.com/saintparish4/natchat/pkg/types"
)

// Server exposes a Registry over HTTP and WebSocket.
type Server struct {
	registry *Registry
	handler  *Handler

	httpServer *http.Server
	mux        *http.ServeMux

	// Configuration
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	shutdownOnce sync.Once

	Logger *logrus.Entry
}

// Config holds server configuration options.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *logrus.Entry
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":10000",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		PingInterval: 30 * time.Second,
		Logger:       logging.For("rendezvous-server"),
	}
}

// NewServer creates a server over registry. A nil registry gets a fresh one.
func NewServer(cfg Config, registry *Registry) *Server {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.For("rendezvous-server")
	}

	handler := NewHandler(registry)
	if cfg.PingInterval > 0 {
		handler.PingInterval = cfg.PingInterval
		handler.PongWait = 2 * cfg.PingInterval
	}

	s := &Server{
		registry:     registry,
		handler:      handler,
		mux:          http.NewServeMux(),
		Addr:         cfg.Addr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       cfg.Logger,
	}

	s.setupRoutes()
	s.httpServer = &http.Server{Handler: s.HTTPHandler()}
	return s
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.Handle("/ws", s.handler)

	s.mux.HandleFunc("/register", s.handleRegister)
	s.mux.HandleFunc("/get_peer/", s.handleGetPeer) // /get_peer/{username}
	s.mux.HandleFunc("/list_peers", s.handleListPeers)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/", s.handleIndex)
}

// Start listens on Addr and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer.ReadTimeout = s.ReadTimeout
	s.httpServer.WriteTimeout = s.WriteTimeout

	s.Logger.WithField("addr", ln.Addr().String()).Info("Rendezvous server listening")
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.Logger.Info("Shutting down rendezvous server")

		err = s.httpServer.Shutdown(ctx)

		// Hijacked WebSocket connections are not closed by http.Server.
		s.handler.CloseAll()
	})
	return err
}

// --- HTTP Handlers ---

// corsMiddleware adds CORS headers for cross-origin requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// logMiddleware writes one access log line per request.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.Logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		}).Info("HTTP request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// handleRegister records the caller's endpoint.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "No JSON data received")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.IP = strings.TrimSpace(req.IP)
	if req.Username == "" || req.IP == "" || len(req.Port) == 0 || string(req.Port) == "null" {
		writeError(w, http.StatusBadRequest, "Missing required parameters")
		return
	}

	port, err := parsePort(req.Port)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Port must be a number")
		return
	}

	ep := types.Endpoint{IP: req.IP, Port: port}
	if err := ep.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.registry.Register(types.PeerID(req.Username), ep)

	writeJSON(w, http.StatusOK, RegisterResponse{
		Status:      statusSuccess,
		Message:     "Successfully registered",
		ActivePeers: s.registry.Count(),
	})
}

// handleGetPeer returns the latest endpoint for a username.
func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	username := strings.TrimPrefix(r.URL.Path, "/get_peer/")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	entry, err := s.registry.Lookup(types.PeerID(username))
	if err != nil {
		writeError(w, http.StatusNotFound, "Peer not found")
		return
	}

	writeJSON(w, http.StatusOK, PeerResponse{
		IP:   entry.Endpoint.IP,
		Port: entry.Endpoint.Port,
	})
}

// handleListPeers returns every known id.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	peers := s.registry.PeerIDs()
	writeJSON(w, http.StatusOK, ListResponse{
		Peers:      peers,
		Count:      len(peers),
		ServerTime: serverTime(),
	})
}

// handleIndex reports that the server is up. Any other unknown path is a 404.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.handleNotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		Status:      "running",
		ActivePeers: s.registry.Count(),
		ServerTime:  serverTime(),
	})
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns server statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers": map[string]interface{}{
			"total":         stats.TotalPeers,
			"registrations": stats.Registrations,
			"lookups":       stats.Lookups,
			"misses":        stats.Misses,
		},
		"websocket_clients": s.handler.Count(),
		"timestamp":         time.Now().UnixMilli(),
	})
}

// handleNotFound handles unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Status: statusError, Message: message})
}

func serverTime() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Registry returns the peer registry for external access.
func (s *Server) Registry() *Registry {
	return s.registry
}

// HTTPHandler returns the full middleware-wrapped handler.
// Useful for embedding in custom routers and for httptest.
func (s *Server) HTTPHandler() http.Handler {
	return s.logMiddleware(s.corsMiddleware(s.mux))
}
