// Package config loads runtime configuration from defaults, an optional
// YAML file, an optional .env file and PERPS_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. PERPS_SINK_BATCH_SIZE.
const EnvPrefix = "PERPS"

// Storage backends.
const (
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
	BackendMemory     = "memory"
)

// Queue overflow policies.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "drop_oldest"
)

// Config is the root configuration.
type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Venues     VenuesConfig     `mapstructure:"venues"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Publish    PublishConfig    `mapstructure:"publish"`
}

// VenuesConfig holds per-venue settings.
type VenuesConfig struct {
	Binance     VenueConfig `mapstructure:"binance"`
	Hyperliquid VenueConfig `mapstructure:"hyperliquid"`
}

// VenueConfig configures one venue connection.
type VenueConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	URL     string   `mapstructure:"url"`
	Symbols []string `mapstructure:"symbols"`
}

// SupervisorConfig configures reconnect and heartbeat behavior.
type SupervisorConfig struct {
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	Multiplier         float64       `mapstructure:"multiplier"`
	Jitter             float64       `mapstructure:"jitter"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration `mapstructure:"heartbeat_timeout"`
	StabilityThreshold time.Duration `mapstructure:"stability_threshold"`
	SubscribeTimeout   time.Duration `mapstructure:"subscribe_timeout"`
}

// SinkConfig configures the raw event sink.
type SinkConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
	Overflow        string        `mapstructure:"overflow"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AggregatorConfig configures the window aggregator.
type AggregatorConfig struct {
	Grace              time.Duration `mapstructure:"grace"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	ClockSkewTolerance time.Duration `mapstructure:"clock_skew_tolerance"`
	QueueSize          int           `mapstructure:"queue_size"`
	Overflow           string        `mapstructure:"overflow"`
	MaxRetries         int           `mapstructure:"max_retries"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
	ClickHouseDSN string `mapstructure:"clickhouse_dsn"`
	Migrate       bool   `mapstructure:"migrate"`
}

// PublishConfig configures optional feature publishers.
type PublishConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
	Redis RedisConfig `mapstructure:"redis"`
}

// KafkaConfig configures the Kafka feature publisher. Empty brokers disable it.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig configures the latest-window cache. Empty addr disables it.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("metrics_addr", ":9090")

	v.SetDefault("venues.binance.enabled", true)
	v.SetDefault("venues.binance.url", "wss://fstream.binance.com/stream")
	v.SetDefault("venues.binance.symbols", []string{"btcusdt", "ethusdt"})
	v.SetDefault("venues.hyperliquid.enabled", true)
	v.SetDefault("venues.hyperliquid.url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("venues.hyperliquid.symbols", []string{"BTC", "ETH"})

	v.SetDefault("supervisor.initial_backoff", time.Second)
	v.SetDefault("supervisor.max_backoff", 30*time.Second)
	v.SetDefault("supervisor.multiplier", 2.0)
	v.SetDefault("supervisor.jitter", 1.0)
	v.SetDefault("supervisor.heartbeat_interval", 15*time.Second)
	v.SetDefault("supervisor.heartbeat_timeout", 45*time.Second)
	v.SetDefault("supervisor.stability_threshold", 30*time.Second)
	v.SetDefault("supervisor.subscribe_timeout", 10*time.Second)

	v.SetDefault("sink.batch_size", 500)
	v.SetDefault("sink.flush_interval", time.Second)
	v.SetDefault("sink.queue_size", 10000)
	v.SetDefault("sink.overflow", OverflowBlock)
	v.SetDefault("sink.max_retries", 5)
	v.SetDefault("sink.shutdown_timeout", 10*time.Second)

	v.SetDefault("aggregator.grace", 5*time.Second)
	v.SetDefault("aggregator.tick_interval", time.Second)
	v.SetDefault("aggregator.clock_skew_tolerance", 250*time.Millisecond)
	v.SetDefault("aggregator.queue_size", 10000)
	v.SetDefault("aggregator.overflow", OverflowBlock)
	v.SetDefault("aggregator.max_retries", 5)
	v.SetDefault("aggregator.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.backend", BackendPostgres)
	v.SetDefault("storage.postgres_dsn", "postgres://localhost:5432/perps?sslmode=disable")
	v.SetDefault("storage.clickhouse_dsn", "clickhouse://localhost:9000/default")
	v.SetDefault("storage.migrate", false)

	v.SetDefault("publish.kafka.brokers", []string{})
	v.SetDefault("publish.kafka.topic", "features_1m")
	v.SetDefault("publish.redis.addr", "")
	v.SetDefault("publish.redis.password", "")
	v.SetDefault("publish.redis.db", 0)
	v.SetDefault("publish.redis.ttl", 5*time.Minute)
}

// Load reads configuration. path may be empty, in which case only defaults,
// .env and environment variables are used.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if !c.Venues.Binance.Enabled && !c.Venues.Hyperliquid.Enabled {
		errs = append(errs, errors.New("venues: at least one venue must be enabled"))
	}
	for name, vc := range map[string]VenueConfig{"binance": c.Venues.Binance, "hyperliquid": c.Venues.Hyperliquid} {
		if !vc.Enabled {
			continue
		}
		if vc.URL == "" {
			errs = append(errs, fmt.Errorf("venues.%s.url is required", name))
		}
		if len(vc.Symbols) == 0 {
			errs = append(errs, fmt.Errorf("venues.%s.symbols is empty", name))
		}
	}

	s := c.Supervisor
	if s.InitialBackoff <= 0 || s.MaxBackoff < s.InitialBackoff {
		errs = append(errs, errors.New("supervisor: need 0 < initial_backoff <= max_backoff"))
	}
	if s.Multiplier < 1 {
		errs = append(errs, errors.New("supervisor.multiplier must be >= 1"))
	}
	if s.Jitter < 0 || s.Jitter > 1 {
		errs = append(errs, errors.New("supervisor.jitter must be within [0, 1]"))
	}
	if s.HeartbeatInterval <= 0 || s.HeartbeatTimeout <= s.HeartbeatInterval {
		errs = append(errs, errors.New("supervisor: need 0 < heartbeat_interval < heartbeat_timeout"))
	}

	if c.Sink.BatchSize <= 0 {
		errs = append(errs, errors.New("sink.batch_size must be positive"))
	}
	if c.Sink.FlushInterval <= 0 {
		errs = append(errs, errors.New("sink.flush_interval must be positive"))
	}
	if c.Sink.QueueSize <= 0 {
		errs = append(errs, errors.New("sink.queue_size must be positive"))
	}
	if c.Sink.MaxRetries < 0 {
		errs = append(errs, errors.New("sink.max_retries must not be negative"))
	}
	errs = append(errs, validOverflow("sink.overflow", c.Sink.Overflow))

	if c.Aggregator.Grace < 0 {
		errs = append(errs, errors.New("aggregator.grace must not be negative"))
	}
	if c.Aggregator.TickInterval <= 0 {
		errs = append(errs, errors.New("aggregator.tick_interval must be positive"))
	}
	if c.Aggregator.QueueSize <= 0 {
		errs = append(errs, errors.New("aggregator.queue_size must be positive"))
	}
	errs = append(errs, validOverflow("aggregator.overflow", c.Aggregator.Overflow))

	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required"))
		}
	case BackendClickHouse:
		if c.Storage.ClickHouseDSN == "" {
			errs = append(errs, errors.New("storage.clickhouse_dsn is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of postgres, clickhouse, memory", c.Storage.Backend))
	}

	if len(c.Publish.Kafka.Brokers) > 0 && c.Publish.Kafka.Topic == "" {
		errs = append(errs, errors.New("publish.kafka.topic is required when brokers are set"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func validOverflow(key, value string) error {
	switch value {
	case OverflowBlock, OverflowDropOldest:
		return nil
	default:
		return fmt.Errorf("%s %q is not one of block, drop_oldest", key, value)
	}
}
