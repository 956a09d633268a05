package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main agentgw configuration
type Config struct {
	// Gateway server
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Repositories
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Tool sandbox
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Default tool policy
	Policy PolicyConfig `json:"policy" mapstructure:"policy"`

	// Model provider
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Remote runner
	Runner RunnerConfig `json:"runner" mapstructure:"runner"`

	Transcripts TranscriptsConfig `json:"transcripts" mapstructure:"transcripts"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// JWTSecret enables HS256 token verification on connect. Empty means dev mode.
	JWTSecret      string `json:"jwt_secret" mapstructure:"jwt_secret"`
	IdempotencyTTL int    `json:"idempotency_ttl" mapstructure:"idempotency_ttl"` // hours
	RateLimit      int    `json:"rate_limit" mapstructure:"rate_limit"`           // /rpc requests per second per client
	RateBurst      int    `json:"rate_burst" mapstructure:"rate_burst"`
	MaxRunTurns    int    `json:"max_run_turns" mapstructure:"max_run_turns"`
}

// StorageConfig selects repository backends
type StorageConfig struct {
	Driver       string `json:"driver" mapstructure:"driver"` // memory, sqlite, postgres
	DSN          string `json:"dsn" mapstructure:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	// RedisAddr moves idempotency records to Redis when set
	RedisAddr   string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPrefix string `json:"redis_prefix" mapstructure:"redis_prefix"`
}

// SandboxConfig holds tool sandbox settings
type SandboxConfig struct {
	BaseRoot         string `json:"base_root" mapstructure:"base_root"`
	DefaultRoot      string `json:"default_root" mapstructure:"default_root"`
	BashTimeoutMs    int    `json:"bash_timeout_ms" mapstructure:"bash_timeout_ms"`
	BashMaxTimeoutMs int    `json:"bash_max_timeout_ms" mapstructure:"bash_max_timeout_ms"`
	HTTPHostRate     int    `json:"http_host_rate" mapstructure:"http_host_rate"` // requests per second per host
}

// PolicyConfig is the fallback policy for scopes without a stored record
type PolicyConfig struct {
	ToolDefault string            `json:"tool_default" mapstructure:"tool_default"` // allow, deny
	HighRisk    string            `json:"high_risk" mapstructure:"high_risk"`
	Tools       map[string]string `json:"tools" mapstructure:"tools"`
}

// ModelConfig holds model provider configuration
type ModelConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // anthropic, openai, none
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	Model     string `json:"model" mapstructure:"model"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
}

// RunnerConfig holds remote runner settings
type RunnerConfig struct {
	Host  string `json:"host" mapstructure:"host"`
	Port  int    `json:"port" mapstructure:"port"`
	Token string `json:"token" mapstructure:"token"`
}

// TranscriptsConfig holds transcript storage settings
type TranscriptsConfig struct {
	Dir          string `json:"dir" mapstructure:"dir"`
	ArchiveAfter int    `json:"archive_after" mapstructure:"archive_after"` // hours after archive before files move
	Schedule     string `json:"schedule" mapstructure:"schedule"`           // cron spec for maintenance
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           "127.0.0.1",
			Port:           18789,
			IdempotencyTTL: 24,
			RateLimit:      20,
			RateBurst:      40,
			MaxRunTurns:    8,
		},
		Storage: StorageConfig{
			Driver:       "memory",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			RedisPrefix:  "agentgw:idem:",
		},
		Sandbox: SandboxConfig{
			BashTimeoutMs:    30_000,
			BashMaxTimeoutMs: 600_000,
			HTTPHostRate:     5,
		},
		Policy: PolicyConfig{
			ToolDefault: "allow",
			HighRisk:    "deny",
			Tools:       map[string]string{},
		},
		Model: ModelConfig{
			Provider:  "none",
			MaxTokens: 4096,
		},
		Runner: RunnerConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Transcripts: TranscriptsConfig{
			ArchiveAfter: 24,
			Schedule:     "@every 1h",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Console:   true,
		},
		Tracing: TracingConfig{
			ServiceName: "agentgw",
			SampleRatio: 1.0,
		},
	}
}

// IdempotencyTTLDuration returns the record TTL as a duration
func (c *Config) IdempotencyTTLDuration() time.Duration {
	return time.Duration(c.Gateway.IdempotencyTTL) * time.Hour
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidatePort(c.Gateway.Port); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c.Gateway.IdempotencyTTL <= 0 {
		return fmt.Errorf("gateway: idempotency_ttl must be positive")
	}
	if c.Gateway.JWTSecret != "" && len(c.Gateway.JWTSecret) < 16 {
		return fmt.Errorf("gateway: jwt_secret must be at least 16 characters")
	}

	if err := v.ValidateStorage(c.Storage); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	for name, decision := range c.Policy.Tools {
		if err := v.ValidateDecision(decision); err != nil {
			return fmt.Errorf("policy: tool %s: %w", name, err)
		}
	}
	if err := v.ValidateDecision(c.Policy.ToolDefault); err != nil {
		return fmt.Errorf("policy: tool_default: %w", err)
	}
	if err := v.ValidateDecision(c.Policy.HighRisk); err != nil {
		return fmt.Errorf("policy: high_risk: %w", err)
	}

	if err := v.ValidateModel(c.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	if c.Sandbox.BashTimeoutMs <= 0 || c.Sandbox.BashMaxTimeoutMs < c.Sandbox.BashTimeoutMs {
		return fmt.Errorf("sandbox: bash timeouts must satisfy 0 < bash_timeout_ms <= bash_max_timeout_ms")
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	return nil
}
