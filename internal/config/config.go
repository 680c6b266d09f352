// Package config loads the metering coordinator configuration.
//
// DESIGN: One YAML file with ${VAR} and ${VAR:-default} expansion. A .env file in the working directory
// is loaded first when present so credentials can stay out of the YAML.
//
// FILES:
//   - config.go:   Config types, loading, validation
//   - defaults.go: Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Billing  BillingConfig  `yaml:"billing"`
	Refund   RefundConfig   `yaml:"refund"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Provider ProviderConfig `yaml:"provider"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BillingConfig holds per-session billing parameters.
// PerMinuteRate and MaxMinutes are copied into each session at creation.
type BillingConfig struct {
	PerMinuteRate     int64         `yaml:"per_minute_rate"`
	MaxMinutes        int           `yaml:"max_minutes"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	DebitTimeout      time.Duration `yaml:"debit_timeout"`
	LowBalanceMinutes int           `yaml:"low_balance_minutes"`
}

// RefundConfig controls refunds of the pre-authorized first minute.
type RefundConfig struct {
	Enabled   bool          `yaml:"enabled"`
	FullBelow time.Duration `yaml:"full_below"` // Full refund for calls shorter than this
	HalfBelow time.Duration `yaml:"half_below"` // Half refund for calls shorter than this
}

// LedgerConfig points at the quota ledger service.
type LedgerConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderConfig points at the realtime voice relay.
type ProviderConfig struct {
	URL            string        `yaml:"url"`
	AgentID        string        `yaml:"agent_id"`
	APIKey         string        `yaml:"api_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ArchiveConfig selects where session summaries are stored.
type ArchiveConfig struct {
	Driver        string        `yaml:"driver"` // "sqlite" or "jsonl"
	Path          string        `yaml:"path"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// LoggingConfig configures the global zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Refund: RefundConfig{Enabled: true}}
	cfg.applyDefaults()
	return cfg
}

// Load reads, expands and validates a YAML config file.
func Load(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML config data, expanding environment references first.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := ExpandEnvWithDefaults(string(data))

	cfg := &Config{Refund: RefundConfig{Enabled: true}}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnvWithDefaults replaces $VAR, ${VAR} and ${VAR:-default}. The default
// is used when VAR is unset or empty.
func ExpandEnvWithDefaults(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v := os.Getenv(name); v != "" || !hasDefault {
			return v
		}
		return def
	})
}

func (c *Config) applyDefaults() {
	if c.Billing.PerMinuteRate == 0 {
		c.Billing.PerMinuteRate = DefaultPerMinuteRate
	}
	if c.Billing.MaxMinutes == 0 {
		c.Billing.MaxMinutes = DefaultMaxMinutes
	}
	if c.Billing.TickInterval == 0 {
		c.Billing.TickInterval = DefaultTickInterval
	}
	if c.Billing.DebitTimeout == 0 {
		c.Billing.DebitTimeout = DefaultDebitTimeout
	}
	if c.Billing.LowBalanceMinutes == 0 {
		c.Billing.LowBalanceMinutes = DefaultLowBalanceMinutes
	}
	if c.Refund.FullBelow == 0 {
		c.Refund.FullBelow = DefaultFullRefundBelow
	}
	if c.Refund.HalfBelow == 0 {
		c.Refund.HalfBelow = DefaultHalfRefundBelow
	}
	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = DefaultLedgerTimeout
	}
	if c.Provider.ConnectTimeout == 0 {
		c.Provider.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Archive.Driver == "" {
		c.Archive.Driver = DefaultArchiveDriver
	}
	if c.Archive.Path == "" {
		c.Archive.Path = DefaultArchivePath
	}
	if c.Archive.RetryInterval == 0 {
		c.Archive.RetryInterval = DefaultArchiveRetryInterval
	}
	if c.Archive.MaxAttempts == 0 {
		c.Archive.MaxAttempts = DefaultArchiveMaxAttempts
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate checks the configuration for values the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Billing.PerMinuteRate <= 0 {
		return fmt.Errorf("billing.per_minute_rate must be > 0, got %d", c.Billing.PerMinuteRate)
	}
	if c.Billing.MaxMinutes <= 0 {
		return fmt.Errorf("billing.max_minutes must be > 0, got %d", c.Billing.MaxMinutes)
	}
	if c.Billing.TickInterval <= 0 {
		return fmt.Errorf("billing.tick_interval must be > 0, got %s", c.Billing.TickInterval)
	}
	// Two attempts (first try plus one retry) must resolve inside one minute of grace.
	if c.Billing.DebitTimeout <= 0 || 2*c.Billing.DebitTimeout >= SecondsPerMinute*time.Second {
		return fmt.Errorf("billing.debit_timeout must be in (0, 30s), got %s", c.Billing.DebitTimeout)
	}
	if c.Billing.LowBalanceMinutes < 0 {
		return fmt.Errorf("billing.low_balance_minutes must be >= 0, got %d", c.Billing.LowBalanceMinutes)
	}
	if c.Refund.FullBelow < 0 || c.Refund.HalfBelow < 0 {
		return fmt.Errorf("refund thresholds must be >= 0")
	}
	if c.Refund.HalfBelow < c.Refund.FullBelow {
		return fmt.Errorf("refund.half_below (%s) must be >= refund.full_below (%s)", c.Refund.HalfBelow, c.Refund.FullBelow)
	}
	switch strings.ToLower(c.Archive.Driver) {
	case "sqlite", "jsonl":
	default:
		return fmt.Errorf("archive.driver must be sqlite or jsonl, got %q", c.Archive.Driver)
	}
	if c.Archive.MaxAttempts < 1 {
		return fmt.Errorf("archive.max_attempts must be >= 1, got %d", c.Archive.MaxAttempts)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
