package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/protocol"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 25 * time.Second
	maxMessageBytes = 1 << 20

	defaultShutdownTimeout = 30 * time.Second

	// headers performing an implicit connect on /rpc and /ws
	HeaderTenant    = "X-Agentgw-Tenant"
	HeaderWorkspace = "X-Agentgw-Workspace"
	HeaderUser      = "X-Agentgw-User"
)

// Server exposes the router over websocket and HTTP
type Server struct {
	host            string
	port            int
	router          *Router
	auth            *Authenticator
	conns           *connRegistry
	ipLimiter       *IPLimiter
	connRate        float64
	connBurst       int
	maxConcurrent   int
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader
	logger          zerolog.Logger

	server   *http.Server
	listener net.Listener

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
	sweepCancel    context.CancelFunc
	sweepWG        sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host   string
	Port   int
	Router *Router
	Auth   *Authenticator
	// RateLimit is requests per second per client address on /rpc and per
	// websocket connection; 0 disables it
	RateLimit       float64
	RateBurst       int
	MaxConcurrent   int
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		router:          cfg.Router,
		auth:            cfg.Auth,
		conns:           newConnRegistry(),
		ipLimiter:       NewIPLimiter(cfg.RateLimit, cfg.RateBurst),
		connRate:        cfg.RateLimit,
		connBurst:       cfg.RateBurst,
		maxConcurrent:   cfg.MaxConcurrent,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes of the gateway
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
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

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startSweeper()
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop refuses new work, waits for in-flight requests and closes connections
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopSweeper()

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown context done, forcing close")
	}

	for _, c := range s.conns.all() {
		c.cancel()
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

// Connections describes the live websocket connections
func (s *Server) Connections() []ConnInfo {
	return s.conns.infos()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// startSweeper periodically drops idle per-address limiters
func (s *Server) startSweeper() {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepWG.Add(1)

	go func() {
		defer s.sweepWG.Done()
		ticker := time.NewTicker(limiterIdleTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.ipLimiter.Sweep(); n > 0 {
					s.logger.Debug().Int("removed", n).Msg("Swept idle rate limiters")
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	if s.sweepCancel != nil {
		s.sweepCancel()
		s.sweepCancel = nil
	}
	s.sweepWG.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.shuttingDown() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      status,
		"connections": s.conns.count(),
	})
}

// implicitConnect binds a principal from request headers. It reports false
// when credentials were supplied but rejected.
func (s *Server) implicitConnect(r *http.Request, state *ConnectionState) (*protocol.Error, bool) {
	params := ConnectParams{
		Token:       BearerToken(r.Header.Get("Authorization")),
		TenantID:    r.Header.Get(HeaderTenant),
		WorkspaceID: r.Header.Get(HeaderWorkspace),
		UserID:      r.Header.Get(HeaderUser),
	}
	if params.Token == "" && params.TenantID == "" && params.WorkspaceID == "" {
		return nil, true
	}
	principal, perr := s.auth.Authenticate(params)
	if perr != nil {
		return perr, false
	}
	state.bind(principal)
	return nil, true
}

// handleWebSocket serves one frame per message. Events are pushed as they are
// produced; the response frame follows them.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	connID, err := gonanoid.New()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	state := NewConnectionState("ws-"+connID, clientIP(r))
	if perr, ok := s.implicitConnect(r, state); !ok {
		http.Error(w, perr.Message, http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &wsClient{
		state:        state,
		conn:         conn,
		limiter:      NewConnLimiter(s.connRate, s.connBurst, s.maxConcurrent),
		cancel:       cancel,
		lastActivity: time.Now(),
	}
	state.SetLive(func(frame []byte) {
		if err := client.write(frame); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", state.ID).Msg("Failed to push event")
		}
	})
	s.conns.add(client)

	s.logger.Info().
		Str("conn_id", state.ID).
		Str("ip", state.RemoteAddr).
		Bool("authenticated", state.Principal() != nil).
		Msg("Client connected")

	go s.keepAlive(ctx, client)
	s.readLoop(ctx, client)
}

func (s *Server) keepAlive(ctx context.Context, c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, c *wsClient) {
	defer func() {
		c.cancel()
		_ = c.conn.Close()
		s.conns.remove(c.state.ID)
		s.logger.Info().Str("conn_id", c.state.ID).Msg("Client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("conn_id", c.state.ID).Msg("WebSocket error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conns.touch(c.state.ID)

		if s.shuttingDown() {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
		if err := c.limiter.Acquire(ctx); err != nil {
			return
		}

		s.inFlight.Add(1)
		go func(msg []byte) {
			defer s.inFlight.Done()
			defer c.limiter.Release()
			s.serveFrame(ctx, c, msg)
		}(message)
	}
}

func (s *Server) serveFrame(ctx context.Context, c *wsClient, msg []byte) {
	out := s.router.Handle(ctx, c.state, msg)

	env, err := protocol.SplitEnvelope(out.Envelope)
	if err != nil {
		s.logger.Error().Err(err).Str("conn_id", c.state.ID).Msg("Failed to split envelope")
		return
	}
	if out.Replayed {
		for _, ev := range env.Events {
			if err := c.write(ev); err != nil {
				return
			}
		}
	}
	if err := c.write(env.Response); err != nil {
		s.logger.Error().
			Err(err).
			Str("conn_id", c.state.ID).
			Str("method", string(out.Method)).
			Msg("Failed to send response")
	}
}

// handleRPC serves one request per HTTP call in compatibility mode: streaming
// sub-events are dropped from the envelope.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.ipLimiter.Allow(ip) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	connID, _ := gonanoid.New()
	state := NewConnectionState("http-"+connID, ip)

	ctx := r.Context()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	logger := requestLogger(withConnID(ctx, state.ID), s.logger)

	if perr, ok := s.implicitConnect(r, state); !ok {
		logger.Warn().Str("code", string(perr.Code)).Msg("Implicit connect rejected")
	}

	out := s.router.Handle(ctx, state, body)
	filtered, err := protocol.FilterForHTTP(out.Envelope)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to filter envelope")
		filtered = out.Envelope
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(filtered); err != nil {
		logger.Error().Err(err).Msg("Failed to write RPC response")
	}
}
