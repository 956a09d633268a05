package config

import (
	"fmt"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel checks the provider section
func (v *Validator) ValidateModel(m ModelConfig) error {
	switch m.Provider {
	case "", "none":
		return nil
	case "anthropic", "openai":
		if err := v.ValidateAPIKey(m.APIKey, m.Provider); err != nil {
			return err
		}
		if m.Model == "" {
			return fmt.Errorf("model name cannot be empty")
		}
		if m.MaxTokens <= 0 {
			return fmt.Errorf("max_tokens must be positive")
		}
		return nil
	default:
		return fmt.Errorf("invalid provider %s (must be: anthropic, openai, none)", m.Provider)
	}
}

// ValidateStorage checks the storage driver and its DSN
func (v *Validator) ValidateStorage(s StorageConfig) error {
	switch s.Driver {
	case "memory":
		return nil
	case "sqlite", "postgres":
		if s.DSN == "" {
			return fmt.Errorf("dsn is required for driver %s", s.Driver)
		}
		if s.MaxOpenConns < 0 || s.MaxIdleConns < 0 {
			return fmt.Errorf("pool sizes cannot be negative")
		}
		return nil
	default:
		return fmt.Errorf("invalid driver %s (must be: memory, sqlite, postgres)", s.Driver)
	}
}

// ValidateDecision validates a policy decision
func (v *Validator) ValidateDecision(decision string) error {
	if decision != "allow" && decision != "deny" {
		return fmt.Errorf("invalid decision %q (must be: allow, deny)", decision)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be: debug, info, warn, error)", level)
}
