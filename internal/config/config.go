package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	API          APIConfig          `yaml:"api"`
	Database     DatabaseConfig     `yaml:"database"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Receipts     ReceiptsConfig     `yaml:"receipts"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Events       EventsConfig       `yaml:"events"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	APIKey            string        `yaml:"api_key"`
	WebhookToken      string        `yaml:"webhook_token"`       // optional shared secret for /webhooks/gateway
	WebhookAllowedIPs []string      `yaml:"webhook_allowed_ips"` // addresses or CIDRs; empty allows all
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig selects the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 or postgres
	DSN    string `yaml:"dsn"`    // file path for sqlite3, connection string for postgres
}

// GatewayConfig contains messaging gateway settings
type GatewayConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DispatchConfig contains send loop settings
type DispatchConfig struct {
	// ExhaustionBackoff is the wait between selection attempts when no
	// instance of the pool is eligible
	ExhaustionBackoff time.Duration `yaml:"exhaustion_backoff"`
	// ExhaustionMaxWait bounds the total wait before the campaign is paused.
	// Zero means max(campaign max delay, 60s).
	ExhaustionMaxWait time.Duration `yaml:"exhaustion_max_wait"`
	// ProcessingLease is how long a lead may stay PROCESSING before a resume
	// queues it again
	ProcessingLease time.Duration `yaml:"processing_lease"`
	// RecoverOnStart pauses campaigns left active by a previous process
	RecoverOnStart bool `yaml:"recover_on_start"`
}

// ReceiptsConfig contains delivery receipt inbox settings
type ReceiptsConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// ConnectivityConfig selects how instance connection state is resolved
type ConnectivityConfig struct {
	Mode     string        `yaml:"mode"` // gateway or static
	CacheTTL time.Duration `yaml:"cache_ttl"`
	RedisURL string        `yaml:"redis_url"` // optional shared cache
	// Connected lists instance names reported as connected in static mode
	Connected []string `yaml:"connected"`
}

// EventsConfig contains lifecycle event publishing settings
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	AMQPURL  string `yaml:"amqp_url"`
	Exchange string `yaml:"exchange"`
}

// MetricsConfig contains metrics server settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. Values from a .env file next to
// the config (or in the working directory) and CHATBLAST_* variables override
// secrets and connection strings.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return fmt.Errorf("failed to load %s: %w", f, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CHATBLAST_DATABASE_DSN", &cfg.Database.DSN},
		{"CHATBLAST_GATEWAY_API_KEY", &cfg.Gateway.APIKey},
		{"CHATBLAST_API_KEY", &cfg.API.APIKey},
		{"CHATBLAST_REDIS_URL", &cfg.Connectivity.RedisURL},
		{"CHATBLAST_AMQP_URL", &cfg.Events.AMQPURL},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.API.ListenAddr == "" {
		cfg.API.ListenAddr = ":8080"
	}
	if cfg.API.ReadTimeout == 0 {
		cfg.API.ReadTimeout = 15 * time.Second
	}
	if cfg.API.WriteTimeout == 0 {
		cfg.API.WriteTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = "/var/lib/chatblast/chatblast.db"
	}

	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 30 * time.Second
	}
	if cfg.Gateway.MaxAttempts == 0 {
		cfg.Gateway.MaxAttempts = 3
	}
	if cfg.Gateway.RetryBackoff == 0 {
		cfg.Gateway.RetryBackoff = 5 * time.Second
	}

	if cfg.Dispatch.ExhaustionBackoff == 0 {
		cfg.Dispatch.ExhaustionBackoff = 10 * time.Second
	}
	if cfg.Dispatch.ProcessingLease == 0 {
		cfg.Dispatch.ProcessingLease = 10 * time.Minute
	}

	if cfg.Receipts.Path == "" {
		cfg.Receipts.Path = "/var/lib/chatblast/receipts.db"
	}
	if cfg.Receipts.PollInterval == 0 {
		cfg.Receipts.PollInterval = time.Second
	}
	if cfg.Receipts.BatchSize == 0 {
		cfg.Receipts.BatchSize = 100
	}
	if cfg.Receipts.MaxAttempts == 0 {
		cfg.Receipts.MaxAttempts = 5
	}

	if cfg.Connectivity.Mode == "" {
		cfg.Connectivity.Mode = "gateway"
	}
	if cfg.Connectivity.CacheTTL == 0 {
		cfg.Connectivity.CacheTTL = 15 * time.Second
	}

	if cfg.Events.Exchange == "" {
		cfg.Events.Exchange = "chatblast.events"
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if !strings.HasPrefix(c.Gateway.BaseURL, "http://") && !strings.HasPrefix(c.Gateway.BaseURL, "https://") {
		return fmt.Errorf("gateway.base_url must be an http(s) URL")
	}
	if c.Gateway.MaxAttempts < 1 {
		return fmt.Errorf("gateway.max_attempts must be at least 1")
	}

	if c.Receipts.BatchSize < 1 {
		return fmt.Errorf("receipts.batch_size must be positive")
	}

	switch c.Connectivity.Mode {
	case "gateway", "static":
	default:
		return fmt.Errorf("connectivity.mode must be gateway or static, got %q", c.Connectivity.Mode)
	}

	if c.Events.Enabled && c.Events.AMQPURL == "" {
		return fmt.Errorf("events.amqp_url is required when events are enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}

	return nil
}
