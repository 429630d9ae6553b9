// Package config loads gateway settings from an optional YAML file and
// GATEWAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"iiot-gateway/internal/faults"
)

const (
	envPrefix = "GATEWAY"
	envConfig = "GATEWAY_CONFIG"
	opLoad    = "config.load"
)

// Queue store backends.
const (
	StoreRedis = "redis"
	// StoreBadger keeps the queue on local disk.
	StoreBadger = "badger"
	// StoreMemory keeps the queue in process memory and loses it on restart.
	StoreMemory = "memory"
)

// Config is the full gateway configuration.
type Config struct {
	HTTP         HTTPConfig      `mapstructure:"http"`
	Log          LogConfig       `mapstructure:"log"`
	Postgres     PostgresConfig  `mapstructure:"postgres"`
	Redis        RedisConfig     `mapstructure:"redis"`
	Buffer       BufferConfig    `mapstructure:"buffer"`
	Cache        CacheConfig     `mapstructure:"cache"`
	Alarms       AlarmsConfig    `mapstructure:"alarms"`
	Forwarder    ForwarderConfig `mapstructure:"forwarder"`
	Sinks        SinksConfig     `mapstructure:"sinks"`
	Notify       NotifyConfig    `mapstructure:"notify"`
	StoreTimeout time.Duration   `mapstructure:"store_timeout"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// PostgresConfig configures the alarm and dead-letter database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the shared Redis client. Buffer queues and the
// query cache live in separate logical databases.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	BufferDB     int           `mapstructure:"buffer_db"`
	CacheDB      int           `mapstructure:"cache_db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BufferConfig selects and tunes the queue store.
type BufferConfig struct {
	Store      string `mapstructure:"store"`
	BadgerDir  string `mapstructure:"badger_dir"`
	MaxRetries int    `mapstructure:"max_retries"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// CacheConfig toggles the alarm query cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// AlarmsConfig configures alarm queries and rule evaluation.
type AlarmsConfig struct {
	HistoryCeiling int    `mapstructure:"history_ceiling"`
	RulesFile      string `mapstructure:"rules_file"`
}

// ForwarderConfig configures the background drain loop.
type ForwarderConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// SinksConfig lists the downstream destinations.
type SinksConfig struct {
	InfluxDB InfluxDBConfig `mapstructure:"influxdb"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

// InfluxDBConfig configures the time-series sink.
type InfluxDBConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// NATSConfig configures the message bus sink.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// NotifyConfig configures the alarm webhook.
type NotifyConfig struct {
	WebhookURL   string        `mapstructure:"webhook_url"`
	Template     string        `mapstructure:"template"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
	Escalation   time.Duration `mapstructure:"escalation"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Load reads the configuration. An empty path falls back to GATEWAY_CONFIG;
// without either, defaults and environment variables are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(envConfig)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	switch c.Buffer.Store {
	case StoreRedis:
		if c.Redis.Addr == "" {
			return faults.NotConfigured(opLoad, "redis.addr")
		}
	case StoreBadger:
		if c.Buffer.BadgerDir == "" {
			return faults.NotConfigured(opLoad, "buffer.badger_dir")
		}
	case StoreMemory:
	default:
		return faults.Validation(opLoad, "unknown buffer store %q", c.Buffer.Store)
	}
	if c.Buffer.MaxRetries < 0 {
		return faults.Validation(opLoad, "buffer.max_retries must be >= 0")
	}
	if c.Cache.Enabled {
		if c.Redis.Addr == "" {
			return faults.NotConfigured(opLoad, "redis.addr")
		}
		if c.Cache.TTL <= 0 {
			return faults.Validation(opLoad, "cache.ttl must be positive")
		}
	}
	if c.StoreTimeout <= 0 {
		return faults.Validation(opLoad, "store_timeout must be positive")
	}
	if c.Alarms.HistoryCeiling <= 0 {
		return faults.Validation(opLoad, "alarms.history_ceiling must be positive")
	}
	if c.Forwarder.Enabled {
		if c.Forwarder.Interval <= 0 || c.Forwarder.BatchSize <= 0 {
			return faults.Validation(opLoad, "forwarder interval and batch_size must be positive")
		}
	}
	if c.Sinks.InfluxDB.Enabled && (c.Sinks.InfluxDB.URL == "" || c.Sinks.InfluxDB.Bucket == "") {
		return faults.NotConfigured(opLoad, "sinks.influxdb.url/bucket")
	}
	if c.Sinks.NATS.Enabled && (c.Sinks.NATS.URL == "" || c.Sinks.NATS.Subject == "") {
		return faults.NotConfigured(opLoad, "sinks.nats.url/subject")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", false)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.buffer_db", 1)
	v.SetDefault("redis.cache_db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("buffer.store", StoreRedis)
	v.SetDefault("buffer.badger_dir", "")
	v.SetDefault("buffer.max_retries", 3)
	v.SetDefault("buffer.key_prefix", "buffer:")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 300*time.Second)

	v.SetDefault("alarms.history_ceiling", 1000)
	v.SetDefault("alarms.rules_file", "")

	v.SetDefault("forwarder.enabled", true)
	v.SetDefault("forwarder.interval", 5*time.Second)
	v.SetDefault("forwarder.batch_size", 100)

	v.SetDefault("sinks.influxdb.enabled", false)
	v.SetDefault("sinks.influxdb.url", "")
	v.SetDefault("sinks.influxdb.token", "")
	v.SetDefault("sinks.influxdb.org", "")
	v.SetDefault("sinks.influxdb.bucket", "")
	v.SetDefault("sinks.influxdb.measurement", "measurement")
	v.SetDefault("sinks.nats.enabled", false)
	v.SetDefault("sinks.nats.url", "")
	v.SetDefault("sinks.nats.subject", "telemetry")

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.template", "")
	v.SetDefault("notify.cooldown", 5*time.Minute)
	v.SetDefault("notify.dedupe_window", 10*time.Minute)
	v.SetDefault("notify.escalation", 0)
	v.SetDefault("notify.timeout", 5*time.Second)

	v.SetDefault("store_timeout", 5*time.Second)
}
