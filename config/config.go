package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Matcher modes select where rule matching runs.
const (
	MatcherModeLocal = "local"
	MatcherModeHTTP  = "http"
)

// Config holds all configuration for the herringbone service.
type Config struct {
	MongoDB struct {
		URI         string `mapstructure:"uri"`
		Database    string `mapstructure:"database"`
		MaxPoolSize uint64 `mapstructure:"max_pool_size"`
	} `mapstructure:"mongodb"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
		// RuleCacheTTL bounds how stale the detector's rule snapshot
		// may get after a rule edit.
		RuleCacheTTL time.Duration `mapstructure:"rule_cache_ttl"`
	} `mapstructure:"redis"`

	API struct {
		Host      string `mapstructure:"host"`
		Port      int    `mapstructure:"port"`
		RateLimit struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			Burst             int `mapstructure:"burst"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Auth struct {
		Enabled     bool          `mapstructure:"enabled"`
		Secret      string        `mapstructure:"secret"`
		TokenExpiry time.Duration `mapstructure:"token_expiry"`
	} `mapstructure:"auth"`

	Pipeline struct {
		PollInterval time.Duration `mapstructure:"poll_interval"`
		// NewestFirst selects the most recently ingested pending event
		// on each poll. Oldest-first drains backlog in order instead.
		NewestFirst bool `mapstructure:"newest_first"`
		// WaitForEnrichment holds detection until recon data is present.
		WaitForEnrichment bool `mapstructure:"wait_for_enrichment"`
	} `mapstructure:"pipeline"`

	Correlation struct {
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"correlation"`

	Detect struct {
		RegexTimeout time.Duration `mapstructure:"regex_timeout"`
	} `mapstructure:"detect"`

	Services struct {
		ExtractorURL     string        `mapstructure:"extractor_url"`
		ExtractorTimeout time.Duration `mapstructure:"extractor_timeout"`
		ReconURL         string        `mapstructure:"recon_url"`
		ReconTimeout     time.Duration `mapstructure:"recon_timeout"`
		// MatcherMode is "local" (in-process engine) or "http" (call
		// out to a matcher service at MatcherURL).
		MatcherMode    string        `mapstructure:"matcher_mode"`
		MatcherURL     string        `mapstructure:"matcher_url"`
		MatcherTimeout time.Duration `mapstructure:"matcher_timeout"`
		// OrchestratorURL, when set, sends detections to a remote
		// orchestrator instead of the in-process one.
		OrchestratorURL string `mapstructure:"orchestrator_url"`
	} `mapstructure:"services"`
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	viper.SetDefault("mongodb.database", "herringbone")
	viper.SetDefault("mongodb.max_pool_size", 10)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.rule_cache_ttl", 30*time.Second)

	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.rate_limit.requests_per_second", 100)
	viper.SetDefault("api.rate_limit.burst", 100)

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.secret", "")
	viper.SetDefault("auth.token_expiry", 15*time.Minute)

	viper.SetDefault("pipeline.poll_interval", 1*time.Second)
	viper.SetDefault("pipeline.newest_first", true)
	viper.SetDefault("pipeline.wait_for_enrichment", false)

	viper.SetDefault("correlation.window", 30*time.Minute)

	viper.SetDefault("detect.regex_timeout", 500*time.Millisecond)

	viper.SetDefault("services.extractor_url", "http://localhost:8090")
	viper.SetDefault("services.extractor_timeout", 30*time.Second)
	viper.SetDefault("services.recon_url", "http://localhost:8091")
	viper.SetDefault("services.recon_timeout", 120*time.Second)
	viper.SetDefault("services.matcher_mode", MatcherModeLocal)
	viper.SetDefault("services.matcher_url", "http://localhost:8092")
	viper.SetDefault("services.matcher_timeout", 5*time.Second)
	viper.SetDefault("services.orchestrator_url", "")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv() {
	viper.SetEnvPrefix("HERRINGBONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, will use defaults and env vars
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// validateConfig validates the configuration for security and correctness
func validateConfig(config *Config) error {
	if config.API.Port < 1 || config.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", config.API.Port)
	}
	if config.Pipeline.PollInterval <= 0 {
		return fmt.Errorf("pipeline poll interval must be positive")
	}
	if config.Correlation.Window <= 0 {
		return fmt.Errorf("correlation window must be positive")
	}

	switch config.Services.MatcherMode {
	case MatcherModeLocal, MatcherModeHTTP:
	default:
		return fmt.Errorf("invalid matcher mode: %q", config.Services.MatcherMode)
	}
	if config.Services.MatcherMode == MatcherModeHTTP && config.Services.MatcherURL == "" {
		return fmt.Errorf("matcher mode %q requires matcher_url", MatcherModeHTTP)
	}

	if config.Auth.Enabled {
		if len(config.Auth.Secret) < 32 {
			return fmt.Errorf("auth secret must be at least 32 characters (256 bits)")
		}
		weakSecrets := []string{"secret", "password", "changeme", "default", "test", "example"}
		lower := strings.ToLower(config.Auth.Secret)
		for _, weak := range weakSecrets {
			if strings.Contains(lower, weak) {
				return fmt.Errorf("auth secret appears to contain a weak/default value")
			}
		}
	}

	return nil
}
