package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/conductorone/baton-offline/pkg/orchestrator"
)

const (
	defaultStatusTimeout = 10 * time.Second
	shutdownTimeout      = 5 * time.Second
)

// Config holds the configuration for the health check server.
type Config struct {
	Enabled     bool
	Port        int
	BindAddress string
}

// HealthResponse represents the JSON response for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// StatusProvider reports the state of the sync engine. *orchestrator.Orchestrator satisfies it.
type StatusProvider interface {
	GetStatus(ctx context.Context) orchestrator.Status
}

// Server manages the HTTP health check server lifecycle.
type Server struct {
	cfg      Config
	provider StatusProvider
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex
	started  bool
	ctx      context.Context
	now      func() time.Time
	gatherer prometheus.Gatherer
}

type Option func(*Server)

// WithMetrics serves the metrics gathered from g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a new health check server.
func NewServer(cfg Config, provider StatusProvider, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the mux serving every health endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)
	mux.HandleFunc("/status", s.statusHandler)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start starts the HTTP health check server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("health check server already started")
	}

	s.ctx = ctx
	l := ctxzap.Extract(ctx)

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	lc := &net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create health check listener: %w", err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true

	go func() {
		l.Info("health check server starting", zap.String("address", listener.Addr().String()))
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("health check server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the address the server listens on, or an empty string before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the health check server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	l := ctxzap.Extract(ctx)
	l.Info("stopping health check server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown health check server: %w", err)
	}

	s.started = false
	s.listener = nil
	return nil
}

func (s *Server) status(r *http.Request) orchestrator.Status {
	ctx := s.ctx
	if ctx == nil {
		ctx = r.Context()
	}
	ctx, cancel := context.WithTimeout(ctx, defaultStatusTimeout)
	defer cancel()
	return s.provider.GetStatus(ctx)
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// healthHandler handles the /health endpoint.
// It is healthy when every part of the engine status could be read.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.status(r)

	response := HealthResponse{
		Timestamp: s.timestamp(),
		Details: map[string]string{
			"online":      strconv.FormatBool(st.Online),
			"queue_depth": strconv.Itoa(st.QueueDepth),
		},
	}

	if !st.Healthy() {
		ctxzap.Extract(r.Context()).Warn("health check failed", zap.Strings("errors", st.Errors))
		response.Status = "unhealthy"
		for i, e := range st.Errors {
			response.Details["error_"+strconv.Itoa(i)] = e
		}
		s.writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Status = "healthy"
	s.writeJSON(w, http.StatusOK, response)
}

// readyHandler handles the /ready endpoint.
// The engine is ready once it has been initialized and not yet cleaned up.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	st := s.status(r)

	response := HealthResponse{
		Timestamp: s.timestamp(),
		Details:   map[string]string{"holder_id": st.HolderID},
	}

	if !st.Initialized {
		response.Status = "not_ready"
		s.writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Status = "ready"
	s.writeJSON(w, http.StatusOK, response)
}

// liveHandler handles the /live endpoint.
// It always returns HTTP 200 to indicate the process is alive.
func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Status:    "alive",
		Timestamp: s.timestamp(),
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.status(r))
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// If encoding fails, we can't do much about it
		return
	}
}
