package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/agentgw/internal/config"
	"github.com/harun/agentgw/internal/logger"
	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
	"github.com/harun/agentgw/pkg/agent"
	"github.com/harun/agentgw/pkg/commandqueue"
	"github.com/harun/agentgw/pkg/cron"
	"github.com/harun/agentgw/pkg/gateway"
	"github.com/harun/agentgw/pkg/memory"
	"github.com/harun/agentgw/pkg/sandbox"
	"github.com/harun/agentgw/pkg/session"
	"github.com/harun/agentgw/pkg/store"
	"github.com/harun/agentgw/pkg/store/memstore"
	"github.com/harun/agentgw/pkg/store/redisstore"
	"github.com/harun/agentgw/pkg/store/sqlstore"
	"github.com/harun/agentgw/pkg/toolexecutor"
)

const (
	defaultTokenExpiry = 24 * time.Hour
	remoteToolTimeout  = 10 * time.Minute
	stopTimeout        = 30 * time.Second
)

// Daemon owns every long-lived component of the gateway process
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	store       *store.Store
	transcripts *session.TranscriptStore
	archiver    *session.Archiver
	queue       *commandqueue.CommandQueue
	memoryMgr   *memory.Manager
	local       *toolexecutor.LocalExecutor
	policies    *toolexecutor.PolicySource
	agentRunner *agent.Runner

	// Services
	auth          *gateway.Authenticator
	router        *gateway.Router
	gatewayServer *gateway.Server
	scheduler     *cron.Scheduler

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running     bool            `json:"running"`
	Uptime      time.Duration   `json:"uptime"`
	StartTime   time.Time       `json:"startTime,omitempty"`
	Addr        string          `json:"addr,omitempty"`
	Connections int             `json:"connections"`
	Jobs        []cron.JobState `json:"jobs,omitempty"`
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}

	observability.EnsureRegistered()
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
			d.log.Warn().Err(err).Msg("Failed to open audit log, audit events go to the process log")
		}
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized successfully")
		}
	}

	// Initialize core modules in dependency order
	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	st, err := openStore(d.ctx, cfg.Storage)
	if err != nil {
		return err
	}
	d.store = st
	d.log.Info().Str("driver", cfg.Storage.Driver).Msg("Store opened")

	if cfg.Storage.RedisAddr != "" {
		idem, err := redisstore.New(redisstore.Config{Addr: cfg.Storage.RedisAddr, Prefix: cfg.Storage.RedisPrefix})
		if err != nil {
			return fmt.Errorf("failed to connect idempotency redis: %w", err)
		}
		st.Idempotency = idem
		st.OnClose(idem.Close)
		d.log.Info().Str("addr", cfg.Storage.RedisAddr).Msg("Idempotency records moved to redis")
	}

	if cfg.Transcripts.Dir != "" {
		transcripts, err := session.NewTranscriptStore(cfg.Transcripts.Dir)
		if err != nil {
			return fmt.Errorf("failed to open transcript store: %w", err)
		}
		d.transcripts = transcripts
		st.Transcripts = transcripts
		d.archiver = session.NewArchiver(transcripts, st.Sessions, time.Duration(cfg.Transcripts.ArchiveAfter)*time.Hour)
	}

	d.queue = commandqueue.New()

	zl := d.logger.Zerolog()
	d.local, d.memoryMgr, err = NewLocalExecutor(cfg.Sandbox, zl)
	if err != nil {
		return err
	}

	d.policies = toolexecutor.NewPolicySource(st.Policies, PolicyFromConfig(cfg.Policy))
	routing := toolexecutor.NewRoutingExecutor(d.local, st.Targets, &http.Client{Timeout: remoteToolTimeout})
	chain := toolexecutor.NewPolicyExecutor(routing, d.policies, st.Audit)

	model, err := agent.NewModelClient(agent.ModelConfig{
		Provider:  cfg.Model.Provider,
		APIKey:    cfg.Model.APIKey,
		BaseURL:   cfg.Model.BaseURL,
		Model:     cfg.Model.Model,
		MaxTokens: cfg.Model.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	engine, err := agent.NewEngine(agent.EngineConfig{
		Executor:  chain,
		Model:     model,
		ModelName: cfg.Model.Model,
		MaxTokens: cfg.Model.MaxTokens,
		Tools:     agent.ToolSpecs(d.local.Catalog()),
		MaxTurns:  cfg.Gateway.MaxRunTurns,
		Logger:    &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent engine: %w", err)
	}

	d.agentRunner, err = agent.NewRunner(agent.Config{
		Engine:      engine,
		Sessions:    st.Sessions,
		Transcripts: st.Transcripts,
		Queue:       d.queue,
		Logger:      zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}

	d.log.Info().
		Int("tools", len(d.local.Catalog())).
		Str("model_provider", cfg.Model.Provider).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	d.auth = gateway.NewAuthenticator(cfg.Gateway.JWTSecret, defaultTokenExpiry)
	if d.auth.DevMode() {
		d.log.Warn().Msg("No jwt_secret configured, connect accepts unauthenticated tenants")
	}

	router, err := gateway.NewRouter(gateway.RouterConfig{
		Store:          d.store,
		Runner:         d.agentRunner,
		Policies:       d.policies,
		Catalog:        d.local.Catalog,
		Auth:           d.auth,
		IdempotencyTTL: cfg.IdempotencyTTLDuration(),
		Logger:         zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	d.router = router

	d.gatewayServer, err = gateway.NewServer(gateway.Config{
		Host:      cfg.Gateway.Host,
		Port:      cfg.Gateway.Port,
		Router:    router,
		Auth:      d.auth,
		RateLimit: float64(cfg.Gateway.RateLimit),
		RateBurst: cfg.Gateway.RateBurst,
		Logger:    zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	d.scheduler = cron.New(cron.Config{Logger: zl, Dispatch: d.dispatchMaintenance})
	if err := d.registerMaintenance(cfg.Transcripts.Schedule); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	return nil
}

// openStore builds the repositories for the configured driver
func openStore(ctx context.Context, cfg config.StorageConfig) (*store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return memstore.New(), nil
	case "sqlite", "postgres":
		dbCfg := sqlstore.DefaultConfig(sqlstore.Dialect(cfg.Driver), cfg.DSN)
		if cfg.MaxOpenConns > 0 {
			dbCfg.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.MaxIdleConns > 0 {
			dbCfg.MaxIdleConns = cfg.MaxIdleConns
		}
		db, err := sqlstore.Open(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate %s store: %w", cfg.Driver, err)
		}
		st := db.Store()
		st.OnClose(db.Close)
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// NewLocalExecutor builds the in-process executor with the builtin and
// memory tools registered. The caller closes the returned manager.
func NewLocalExecutor(cfg config.SandboxConfig, logger zerolog.Logger) (*toolexecutor.LocalExecutor, *memory.Manager, error) {
	local := toolexecutor.NewLocal(toolexecutor.LocalConfig{
		Roots:  sandbox.Config{BaseRoot: cfg.BaseRoot, DefaultRoot: cfg.DefaultRoot},
		Logger: &logger,
	})
	shell, err := sandbox.NewHostSandbox(
		time.Duration(cfg.BashTimeoutMs)*time.Millisecond,
		time.Duration(cfg.BashMaxTimeoutMs)*time.Millisecond,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create host sandbox: %w", err)
	}
	if err := toolexecutor.RegisterBuiltins(local, toolexecutor.BuiltinOptions{
		Shell:    shell,
		HostRate: float64(cfg.HTTPHostRate),
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	mgr, err := memory.NewManager(memory.Config{Logger: &logger})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create memory manager: %w", err)
	}
	if err := memory.RegisterMemoryTools(local, mgr); err != nil {
		_ = mgr.Close()
		return nil, nil, fmt.Errorf("failed to register memory tools: %w", err)
	}
	return local, mgr, nil
}

// PolicyFromConfig converts the configured fallback policy
func PolicyFromConfig(cfg config.PolicyConfig) *store.PolicyRecord {
	p := toolexecutor.DefaultPolicy()
	if d := store.Decision(cfg.ToolDefault); d.Valid() {
		p.ToolDefault = d
	}
	if d := store.Decision(cfg.HighRisk); d.Valid() {
		p.HighRisk = d
	}
	for tool, decision := range cfg.Tools {
		if d := store.Decision(decision); d.Valid() {
			p.Tools[tool] = d
		}
	}
	return p
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentgw daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gatewayServer.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.markStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.scheduler.Start()
	logger.Info().Int("jobs", len(d.scheduler.Jobs())).Msg("Maintenance scheduler started")

	// records that expired while the daemon was down go right away
	go func() {
		if err := d.scheduler.RunNow(d.ctx, JobPurgeExpired); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, cron.ErrJobRunning) {
			logger.Warn().Err(err).Msg("Startup purge failed")
		}
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping agentgw daemon")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if err := d.scheduler.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop maintenance scheduler")
	}

	// Let pending memory flushes finish before the repositories close
	if !d.queue.Drain(5 * time.Second) {
		logger.Warn().Msg("Timeout waiting for queued tasks")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// release closes everything New opened
func (d *Daemon) release() {
	d.cancel()

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.memoryMgr != nil {
		if err := d.memoryMgr.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close memory manager")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Error().Err(err).Msg("Failed to close store")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	startTime := d.startTime
	d.mu.RUnlock()

	status := Status{Running: running}
	if running {
		status.Uptime = time.Since(startTime)
		status.StartTime = startTime
		status.Addr = d.gatewayServer.Addr()
		status.Connections = len(d.gatewayServer.Connections())
		status.Jobs = d.scheduler.Jobs()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}
