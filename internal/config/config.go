// Package config loads and validates the application configuration. The
// config file is YAML with environment variable expansion; a .env file, when
// present, seeds missing environment variables before expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opencadc/librarian/internal/retry"
)

// Config is the application configuration.
type Config struct {
	Registry     string `yaml:"registry"`
	ManifestDir  string `yaml:"manifest_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
	DataDir      string `yaml:"data_dir"`

	Build   BuildConfig   `yaml:"build"`
	Signing SigningConfig `yaml:"signing"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// BuildConfig bounds build attempts and transient-failure retries.
type BuildConfig struct {
	Timeout        Duration `yaml:"timeout"`         // wall clock per attempt, all platforms
	MaxRetries     int      `yaml:"max_retries"`     // transient retries per platform
	Backoff        string   `yaml:"backoff"`         // fixed|linear|exponential
	BackoffInitial Duration `yaml:"backoff_initial"`
	BackoffMax     Duration `yaml:"backoff_max"`
	LogDir         string   `yaml:"log_dir"` // per-platform build logs
}

// SigningConfig configures image signing. When disabled, publication skips
// the signing step entirely.
type SigningConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyRef  string `yaml:"key_ref,omitempty"` // cosign key reference; empty means keyless
}

// DaemonConfig configures continuous operation.
type DaemonConfig struct {
	Interval    Duration `yaml:"interval"`     // periodic reconcile interval
	Debounce    Duration `yaml:"debounce"`     // manifest change debounce window
	Workers     int      `yaml:"workers"`      // concurrent manifest runs
	MetricsAddr string   `yaml:"metrics_addr"` // empty disables the metrics endpoint
}

// NotifyConfig configures outcome event publication.
type NotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load reads, expands, and validates the configuration at path.
func Load(path string) (*Config, error) {
	// Best effort: missing .env files are the normal case.
	_ = godotenv.Load(".env", ".env.local")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, for use when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Registry == "" {
		c.Registry = "images.canfar.net"
	}
	if c.ManifestDir == "" {
		c.ManifestDir = "./manifests"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = c.DataDir + "/workspace"
	}
	if c.Build.Timeout == 0 {
		c.Build.Timeout = Duration(30 * time.Minute)
	}
	if c.Build.MaxRetries == 0 {
		c.Build.MaxRetries = 2
	}
	if c.Build.Backoff == "" {
		c.Build.Backoff = string(retry.BackoffLinear)
	}
	if c.Build.BackoffInitial == 0 {
		c.Build.BackoffInitial = Duration(time.Second)
	}
	if c.Build.BackoffMax == 0 {
		c.Build.BackoffMax = Duration(30 * time.Second)
	}
	if c.Build.LogDir == "" {
		c.Build.LogDir = c.DataDir + "/logs"
	}
	if c.Daemon.Interval == 0 {
		c.Daemon.Interval = Duration(10 * time.Minute)
	}
	if c.Daemon.Debounce == 0 {
		c.Daemon.Debounce = Duration(2 * time.Second)
	}
	if c.Daemon.Workers == 0 {
		c.Daemon.Workers = 2
	}
	if c.Notify.NATSURL == "" {
		c.Notify.NATSURL = "nats://localhost:4222"
	}
	if c.Notify.Subject == "" {
		c.Notify.Subject = "librarian.outcomes"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks invariants the rest of the system relies on.
func (c *Config) Validate() error {
	if c.Registry == "" {
		return fmt.Errorf("registry is required")
	}
	if c.Build.Timeout < 0 {
		return fmt.Errorf("build.timeout cannot be negative")
	}
	if c.Daemon.Workers < 1 {
		return fmt.Errorf("daemon.workers must be at least 1")
	}
	if c.Daemon.Interval.Std() < time.Second {
		return fmt.Errorf("daemon.interval must be at least 1s")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("build backoff: %w", err)
	}
	return nil
}

// RetryPolicy derives the transient-failure retry policy from the build
// settings.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.NewPolicy(retry.BackoffMode(c.Build.Backoff), c.Build.BackoffInitial.Std(), c.Build.BackoffMax.Std(), c.Build.MaxRetries)
}

// StateDBPath is the build state database location.
func (c *Config) StateDBPath() string { return c.DataDir + "/state.db" }

// AuditDBPath is the audit event database location.
func (c *Config) AuditDBPath() string { return c.DataDir + "/audit.db" }
