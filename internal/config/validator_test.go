package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-abc", "anthropic"))
	assert.NoError(t, v.ValidateAPIKey("sk-abc", "openai"))
	assert.Error(t, v.ValidateAPIKey("pk-abc", "openai"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
}

func TestValidateStorage(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateStorage(StorageConfig{Driver: "memory"}))
	assert.NoError(t, v.ValidateStorage(StorageConfig{Driver: "sqlite", DSN: "gw.db"}))
	assert.Error(t, v.ValidateStorage(StorageConfig{Driver: "postgres"}))
	assert.Error(t, v.ValidateStorage(StorageConfig{Driver: "sqlite", DSN: "x", MaxOpenConns: -1}))
}

func TestValidateDecision(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateDecision("allow"))
	assert.NoError(t, v.ValidateDecision("deny"))
	assert.Error(t, v.ValidateDecision("Allow"))
}

func TestValidatePortAndLevel(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidatePort(443))
	assert.Error(t, v.ValidatePort(70000))
	assert.NoError(t, v.ValidateLogLevel("warn"))
	assert.Error(t, v.ValidateLogLevel("verbose"))
}
