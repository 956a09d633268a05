package runner

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentgw/internal/metrics"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	maxRequestBytes        = 4 << 20
	updateBuffer           = 64
	defaultShutdownTimeout = 30 * time.Second
)

// Server exposes an executor over the runner HTTP contract
type Server struct {
	host            string
	port            int
	token           string
	executor        toolexecutor.Executor
	probe           UsageProbe
	metrics         *metrics.Metrics
	shutdownTimeout time.Duration
	logger          zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// Config holds runner server configuration
type Config struct {
	Host string
	Port int
	// Token enables bearer auth on every endpoint but /metrics
	Token    string
	Executor toolexecutor.Executor
	// Probe defaults to a HostProbe
	Probe           UsageProbe
	Metrics         *metrics.Metrics
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// NewServer creates a runner server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Probe == nil {
		cfg.Probe = HostProbe{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		token:           cfg.Token,
		executor:        cfg.Executor,
		probe:           cfg.Probe,
		metrics:         cfg.Metrics,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger.With().Str("component", "runner").Logger(),
	}, nil
}

// Handler returns the runner routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", s.token != "").
		Msg("Starting runner server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Runner server error")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight executions and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down runner server")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight executions completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown context done, forcing close")
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown runner server: %w", err)
	}
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(header[len(prefix):])
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		s.metrics.AuthFailuresTotal.Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	usage, err := s.probe.Usage(r.Context())
	if err != nil {
		s.logger.Debug().Err(err).Msg("Host usage unavailable")
	}
	s.metrics.SetHostUsage(usage.CPUPercent, usage.MemoryPercent, usage.DiskPercent)

	writeJSON(w, http.StatusOK, toolexecutor.HealthResponse{OK: !s.shuttingDown(), Usage: usage})
}

// handleExecute runs one call to completion. Updates are buffered and
// returned with the result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Runner is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authorized(r) {
		s.metrics.AuthFailuresTotal.Inc()
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Rejected runner request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()
	s.metrics.ExecuteInFlight.Inc()
	defer s.metrics.ExecuteInFlight.Dec()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	var req toolexecutor.RemoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Call.Name) == "" {
		http.Error(w, "call.name is required", http.StatusBadRequest)
		return
	}
	if req.Call.Args == nil {
		req.Call.Args = map[string]any{}
	}

	ctx := r.Context()
	if req.Ctx.RunID != "" {
		ctx = tracing.WithRunID(ctx, req.Ctx.RunID)
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	updates := make(chan toolexecutor.Update, updateBuffer)
	collected := make([]toolexecutor.Update, 0)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for u := range updates {
			collected = append(collected, u)
		}
	}()

	result := s.executor.Execute(ctx, req.Call, req.Ctx, updates)
	close(updates)
	<-drained

	elapsed := time.Since(start)
	s.metrics.ObserveExecute(req.Call.Name, result.OK, elapsed.Seconds(), len(collected))

	event := logger.Info()
	if !result.OK {
		event = logger.Warn()
		if result.Error != nil {
			event = event.Str("code", string(result.Error.Code))
		}
	}
	event.
		Str("tool", req.Call.Name).
		Str("session_id", req.Ctx.SessionID).
		Int("updates", len(collected)).
		Dur("duration", elapsed).
		Msg("Tool executed")

	writeJSON(w, http.StatusOK, toolexecutor.RemoteResponse{Updates: collected, Result: result})
}
