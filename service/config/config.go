package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/solana"
	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana configuration
	SolanaRPCURLs          []string
	SolanaPrivateKeyBase58 string
	RPCRateLimit           float64
	RPCBurst               int

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Submission engine configuration
	MaxRetries               int
	RetryBaseDelay           time.Duration
	RetryMaxDelay            time.Duration
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration
	RequiredDurability       solana.DurabilityLevel

	// Cache and monitor configuration
	CacheTTL          time.Duration
	MonitorInterval   time.Duration
	MonitorMaxBackoff time.Duration
}

// EngineSettings is the slice of configuration the submission engine needs.
// It is passed explicitly to constructors.
type EngineSettings struct {
	MaxRetries               int
	RetryBaseDelay           time.Duration
	RetryMaxDelay            time.Duration
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration
	RequiredDurability       solana.DurabilityLevel
}

// DefaultEngineSettings mirrors the defaults applied by Load.
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		MaxRetries:               3,
		RetryBaseDelay:           time.Second,
		RetryMaxDelay:            30 * time.Second,
		ConfirmationTimeout:      60 * time.Second,
		ConfirmationPollInterval: 2 * time.Second,
		RequiredDurability:       solana.DurabilityConfirmed,
	}
}

// EngineSettings projects the engine section of c.
func (c *Config) EngineSettings() EngineSettings {
	return EngineSettings{
		MaxRetries:               c.MaxRetries,
		RetryBaseDelay:           c.RetryBaseDelay,
		RetryMaxDelay:            c.RetryMaxDelay,
		ConfirmationTimeout:      c.ConfirmationTimeout,
		ConfirmationPollInterval: c.ConfirmationPollInterval,
		RequiredDurability:       c.RequiredDurability,
	}
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment take precedence over it.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration is optional here; binaries that persist check it.
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana configuration
	cfg.SolanaRPCURLs = splitList(os.Getenv("SOLANA_RPC_URLS"))
	if len(cfg.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS is required"))
	}
	cfg.SolanaPrivateKeyBase58 = os.Getenv("SOLANA_PRIVATE_KEY_BASE58")

	rateLimit, err := parseFloat("RPC_RATE_LIMIT", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateLimit = rateLimit
	}

	burst, err := parseInt("RPC_BURST", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCBurst = burst
	}

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txlander-submissions")

	// Submission engine configuration
	maxRetries, err := parseInt("MAX_RETRIES", 3)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxRetries = maxRetries
	}

	durations := []struct {
		key, def string
		dst      *time.Duration
	}{
		{"RETRY_BASE_DELAY", "1s", &cfg.RetryBaseDelay},
		{"RETRY_MAX_DELAY", "30s", &cfg.RetryMaxDelay},
		{"CONFIRMATION_TIMEOUT", "60s", &cfg.ConfirmationTimeout},
		{"CONFIRMATION_POLL_INTERVAL", "2s", &cfg.ConfirmationPollInterval},
		{"CACHE_TTL", "30s", &cfg.CacheTTL},
		{"MONITOR_INTERVAL", "15s", &cfg.MonitorInterval},
		{"MONITOR_MAX_BACKOFF", "5m", &cfg.MonitorMaxBackoff},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	durability, err := solana.ParseDurabilityLevel(getEnvOrDefault("REQUIRED_DURABILITY", "confirmed"))
	if err != nil {
		errs = append(errs, fmt.Errorf("REQUIRED_DURABILITY: %w", err))
	} else {
		cfg.RequiredDurability = durability
	}

	// Return all parse errors before checking cross-field rules
	if len(errs) > 0 {
		return nil, invalid("configuration validation failed", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.SolanaRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURLs is required"))
	}
	for _, u := range c.SolanaRPCURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("SolanaRPCURLs: %q must be an http(s) URL", u))
		}
	}

	if c.RPCRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("RPCRateLimit must be positive"))
	}
	if c.RPCBurst < 1 {
		errs = append(errs, fmt.Errorf("RPCBurst must be at least 1"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if err := c.EngineSettings().Validate(); err != nil {
		errs = append(errs, err)
	}

	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CacheTTL must be positive"))
	}
	if c.MonitorInterval < time.Second {
		errs = append(errs, fmt.Errorf("MonitorInterval must be at least 1 second"))
	}
	if c.MonitorMaxBackoff < c.MonitorInterval {
		errs = append(errs, fmt.Errorf("MonitorMaxBackoff cannot be less than MonitorInterval"))
	}

	if len(errs) > 0 {
		return invalid("configuration validation failed", errs)
	}

	return nil
}

// Validate checks the engine settings on their own.
func (s EngineSettings) Validate() error {
	var errs []error

	if s.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("MaxRetries must be at least 1"))
	}
	if s.RetryBaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("RetryBaseDelay must be positive"))
	}
	if s.RetryMaxDelay < s.RetryBaseDelay {
		errs = append(errs, fmt.Errorf("RetryMaxDelay cannot be less than RetryBaseDelay"))
	}
	if s.ConfirmationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmationTimeout must be positive"))
	}
	if s.ConfirmationPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval must be positive"))
	}
	if s.ConfirmationPollInterval > s.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval cannot be greater than ConfirmationTimeout"))
	}
	if _, err := solana.ParseDurabilityLevel(string(s.RequiredDurability)); err != nil {
		errs = append(errs, fmt.Errorf("RequiredDurability: %w", err))
	}

	if len(errs) > 0 {
		return invalid("engine settings invalid", errs)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

// splitList splits a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// invalid reports accumulated validation errors as a CONFIGURATION failure,
// which enclosing loops treat as permanent.
func invalid(prefix string, errs []error) error {
	return classify.WithCategory(classify.CategoryConfiguration, fmt.Errorf("%s: %v", prefix, errs))
}
