package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// BrokerConfig contains broker connection settings
type BrokerConfig struct {
	Driver    string  `mapstructure:"driver"` // "paper", "binance" or "gateway"
	APIKey    string  `mapstructure:"api_key"`
	SecretKey string  `mapstructure:"secret_key"`
	BaseURL   string  `mapstructure:"base_url"`   // gateway REST endpoint
	StreamURL string  `mapstructure:"stream_url"` // gateway websocket endpoint
	Testnet   bool    `mapstructure:"testnet"`
	TimeoutMS int     `mapstructure:"timeout_ms"`
	FeeRate   float64 `mapstructure:"fee_rate"` // paper broker simulated fee
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// DispatchConfig contains request pacing settings
type DispatchConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MinRate           float64 `mapstructure:"min_rate"`
	RestoreAfter      int     `mapstructure:"restore_after"`
	RestoreFactor     float64 `mapstructure:"restore_factor"`
	MaxRetries        int     `mapstructure:"max_retries"`
}

// StreamConfig contains account stream reconnect settings
type StreamConfig struct {
	InitialBackoffMS int     `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int     `mapstructure:"max_backoff_ms"`
	JitterFraction   float64 `mapstructure:"jitter_fraction"`
}

// ReconcileConfig contains reconciliation settings
type ReconcileConfig struct {
	IntervalS      int     `mapstructure:"interval_s"`
	CreatedGraceS  int     `mapstructure:"created_grace_s"`
	DriftTolerance float64 `mapstructure:"drift_tolerance"`
}

// LedgerConfig contains order ledger settings
type LedgerConfig struct {
	BufferSize  int `mapstructure:"buffer_size"`
	BufferTTLMS int `mapstructure:"buffer_ttl_ms"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	HealthPort    int  `mapstructure:"health_port"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("BROKERD")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "brokerd")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Broker defaults
	v.SetDefault("broker.driver", "paper")
	v.SetDefault("broker.testnet", true)
	v.SetDefault("broker.timeout_ms", 10000)
	v.SetDefault("broker.fee_rate", 0.001)

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "brokerd")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "orders.")

	// Dispatch defaults
	v.SetDefault("dispatch.requests_per_second", 10.0)
	v.SetDefault("dispatch.burst", 5)
	v.SetDefault("dispatch.min_rate", 0.5)
	v.SetDefault("dispatch.restore_after", 10)
	v.SetDefault("dispatch.restore_factor", 1.5)
	v.SetDefault("dispatch.max_retries", 3)

	// Stream defaults
	v.SetDefault("stream.initial_backoff_ms", 500)
	v.SetDefault("stream.max_backoff_ms", 30000)
	v.SetDefault("stream.jitter_fraction", 0.2)

	// Reconcile defaults
	v.SetDefault("reconcile.interval_s", 30)
	v.SetDefault("reconcile.created_grace_s", 10)
	v.SetDefault("reconcile.drift_tolerance", 0.0)

	// Ledger defaults
	v.SetDefault("ledger.buffer_size", 1024)
	v.SetDefault("ledger.buffer_ttl_ms", 30000)

	// Monitoring defaults
	v.SetDefault("monitoring.health_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks the configuration for inconsistencies that would only
// surface at runtime otherwise.
func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case "paper", "binance", "gateway":
	default:
		return fmt.Errorf("broker.driver must be paper, binance or gateway, got %q", c.Broker.Driver)
	}

	if c.Broker.Driver == "binance" && (c.Broker.APIKey == "" || c.Broker.SecretKey == "") {
		return fmt.Errorf("broker.api_key and broker.secret_key are required for the binance driver")
	}
	if c.Broker.Driver == "gateway" && c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required for the gateway driver")
	}

	if c.Dispatch.RequestsPerSecond <= 0 {
		return fmt.Errorf("dispatch.requests_per_second must be positive")
	}
	if c.Dispatch.Burst <= 0 {
		return fmt.Errorf("dispatch.burst must be positive")
	}
	if c.Dispatch.MinRate <= 0 || c.Dispatch.MinRate > c.Dispatch.RequestsPerSecond {
		return fmt.Errorf("dispatch.min_rate must be positive and at most requests_per_second")
	}
	if c.Dispatch.RestoreFactor <= 1 {
		return fmt.Errorf("dispatch.restore_factor must be greater than 1")
	}

	if c.Stream.InitialBackoffMS <= 0 || c.Stream.MaxBackoffMS < c.Stream.InitialBackoffMS {
		return fmt.Errorf("stream backoff bounds invalid: initial=%dms max=%dms",
			c.Stream.InitialBackoffMS, c.Stream.MaxBackoffMS)
	}
	if c.Stream.JitterFraction < 0 || c.Stream.JitterFraction > 1 {
		return fmt.Errorf("stream.jitter_fraction must be within [0, 1]")
	}

	if c.Reconcile.IntervalS <= 0 {
		return fmt.Errorf("reconcile.interval_s must be positive")
	}
	if c.Reconcile.DriftTolerance < 0 {
		return fmt.Errorf("reconcile.drift_tolerance must not be negative")
	}

	if c.Ledger.BufferSize <= 0 || c.Ledger.BufferTTLMS <= 0 {
		return fmt.Errorf("ledger buffer settings must be positive")
	}

	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("database.host is required when the database is enabled")
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.PoolSize,
	)
}

// GetTimeout returns the broker request timeout as time.Duration
func (c *BrokerConfig) GetTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// GetInitialBackoff returns the stream's initial reconnect delay
func (c *StreamConfig) GetInitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMS) * time.Millisecond
}

// GetMaxBackoff returns the stream's reconnect delay cap
func (c *StreamConfig) GetMaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// GetInterval returns the reconciliation cadence
func (c *ReconcileConfig) GetInterval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

// GetCreatedGrace returns the grace before an unacknowledged order is drift
func (c *ReconcileConfig) GetCreatedGrace() time.Duration {
	return time.Duration(c.CreatedGraceS) * time.Second
}

// GetBufferTTL returns the out-of-sequence buffer window
func (c *LedgerConfig) GetBufferTTL() time.Duration {
	return time.Duration(c.BufferTTLMS) * time.Millisecond
}
