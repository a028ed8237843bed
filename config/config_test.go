package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	viper.Reset()
	setDefaults()

	var cfg Config
	require.NoError(t, viper.Unmarshal(&cfg))
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoDB.URI)
	assert.Equal(t, "herringbone", cfg.MongoDB.Database)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, time.Second, cfg.Pipeline.PollInterval)
	assert.True(t, cfg.Pipeline.NewestFirst)
	assert.False(t, cfg.Pipeline.WaitForEnrichment)
	assert.Equal(t, 30*time.Minute, cfg.Correlation.Window)
	assert.Equal(t, 500*time.Millisecond, cfg.Detect.RegexTimeout)
	assert.Equal(t, MatcherModeLocal, cfg.Services.MatcherMode)
	assert.False(t, cfg.Auth.Enabled)
	assert.False(t, cfg.Redis.Enabled)

	assert.NoError(t, validateConfig(cfg))
}

func TestValidateConfigRejectsBadPort(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.API.Port = 0
	assert.Error(t, validateConfig(cfg))

	cfg.API.Port = 70000
	assert.Error(t, validateConfig(cfg))
}

func TestValidateConfigRejectsBadIntervals(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Pipeline.PollInterval = 0
	assert.Error(t, validateConfig(cfg))

	cfg = defaultConfig(t)
	cfg.Correlation.Window = -time.Minute
	assert.Error(t, validateConfig(cfg))
}

func TestValidateConfigMatcherMode(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Services.MatcherMode = "remote"
	assert.Error(t, validateConfig(cfg))

	cfg = defaultConfig(t)
	cfg.Services.MatcherMode = MatcherModeHTTP
	cfg.Services.MatcherURL = ""
	assert.Error(t, validateConfig(cfg))

	cfg.Services.MatcherURL = "http://matcher:8092"
	assert.NoError(t, validateConfig(cfg))
}

func TestValidateConfigAuthSecret(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Auth.Enabled = true

	cfg.Auth.Secret = "too-short"
	err := validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 characters")

	cfg.Auth.Secret = "this-is-a-default-SECRET-padded-out-to-length"
	err = validateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weak")

	cfg.Auth.Secret = strings.Repeat("f3a9", 8)
	assert.NoError(t, validateConfig(cfg))
}
