package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Etcd         EtcdConfig         `mapstructure:"etcd"`
	MQ           MQConfig           `mapstructure:"mq"`
	Task         TaskConfig         `mapstructure:"task"`
	Outbox       OutboxConfig       `mapstructure:"outbox"`
	Notification NotificationConfig `mapstructure:"notification"`
	Reaper       ReaperConfig       `mapstructure:"reaper"`
	Export       ExportConfig       `mapstructure:"export"`
	Stream       StreamConfig       `mapstructure:"stream"`
	Auth         AuthConfig         `mapstructure:"auth"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	// Driver is "mysql" or "postgres".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type MQConfig struct {
	// Type is "kafka" or "local".
	Type         string        `mapstructure:"type"`
	Brokers      string        `mapstructure:"brokers"`
	GroupID      string        `mapstructure:"group_id"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	LocalBuffer  int           `mapstructure:"local_buffer"`
}

type TaskConfig struct {
	MaxFailureCount int           `mapstructure:"max_failure_count"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	Workers         int           `mapstructure:"workers"`
	Lease           time.Duration `mapstructure:"lease"`
	// StaleAfter skips WAITING rows touched more recently than this, leaving
	// them to the broker fast path. Zero scans every WAITING row.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type OutboxConfig struct {
	MaxRetry    int           `mapstructure:"max_retry"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	Workers     int           `mapstructure:"workers"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	Retention   time.Duration `mapstructure:"retention"`
}

type NotificationConfig struct {
	MaxRetry      int           `mapstructure:"max_retry"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Workers       int           `mapstructure:"workers"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	OrphanAfter   time.Duration `mapstructure:"orphan_after"`
}

type ReaperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
	LockKey   string        `mapstructure:"lock_key"`
	LockTTL   int           `mapstructure:"lock_ttl"`
}

type ExportConfig struct {
	Bucket    string        `mapstructure:"bucket"`
	Region    string        `mapstructure:"region"`
	Endpoint  string        `mapstructure:"endpoint"`
	PathStyle bool          `mapstructure:"path_style"`
	Prefix    string        `mapstructure:"prefix"`
	PageSize  int           `mapstructure:"page_size"`
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientBufferSize  int           `mapstructure:"client_buffer_size"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// DevMode accepts the X-Dev-Pass header in place of a token.
	DevMode bool `mapstructure:"dev_mode"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

type IdempotencyConfig struct {
	Header string        `mapstructure:"header"`
	TTL    time.Duration `mapstructure:"ttl"`
	Prefix string        `mapstructure:"prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8080")

	v.SetDefault("log.level", "")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "127.0.0.1:6379")

	v.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)

	v.SetDefault("mq.type", "kafka")
	v.SetDefault("mq.brokers", "127.0.0.1:9092")
	v.SetDefault("mq.group_id", "mallflow")
	v.SetDefault("mq.write_timeout", 3*time.Second)
	v.SetDefault("mq.local_buffer", 1024)

	v.SetDefault("task.max_failure_count", 3)
	v.SetDefault("task.poll_interval", 5*time.Second)
	v.SetDefault("task.batch_size", 100)
	v.SetDefault("task.workers", 4)
	v.SetDefault("task.lease", 5*time.Minute)
	v.SetDefault("task.stale_after", 0)

	v.SetDefault("outbox.max_retry", 5)
	v.SetDefault("outbox.base_backoff", 5*time.Second)
	v.SetDefault("outbox.max_backoff", time.Hour)
	v.SetDefault("outbox.interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.workers", 8)
	v.SetDefault("outbox.stale_after", 5*time.Minute)
	v.SetDefault("outbox.retention", 7*24*time.Hour)

	v.SetDefault("notification.max_retry", 5)
	v.SetDefault("notification.base_backoff", 5*time.Second)
	v.SetDefault("notification.max_backoff", time.Hour)
	v.SetDefault("notification.retry_interval", 5*time.Second)
	v.SetDefault("notification.batch_size", 100)
	v.SetDefault("notification.workers", 8)
	v.SetDefault("notification.stale_after", 5*time.Minute)
	v.SetDefault("notification.orphan_after", 10*time.Minute)

	v.SetDefault("reaper.interval", 30*time.Second)
	v.SetDefault("reaper.batch_size", 100)
	v.SetDefault("reaper.lock_key", "/locks/mallflow/reaper")
	v.SetDefault("reaper.lock_ttl", 10)

	v.SetDefault("export.region", "us-east-1")
	v.SetDefault("export.prefix", "exports")
	v.SetDefault("export.page_size", 500)
	v.SetDefault("export.url_expiry", 24*time.Hour)

	v.SetDefault("stream.heartbeat_interval", 15*time.Second)
	v.SetDefault("stream.client_buffer_size", 64)

	v.SetDefault("ratelimit.requests_per_second", 5)

	v.SetDefault("idempotency.header", "Idempotency-Key")
	v.SetDefault("idempotency.ttl", 10*time.Second)
	v.SetDefault("idempotency.prefix", "idem:")
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	cfg, err := load(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("MALLFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
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

func (c *Config) Validate() error {
	positive := map[string]int{
		"task.max_failure_count":  c.Task.MaxFailureCount,
		"task.batch_size":         c.Task.BatchSize,
		"task.workers":            c.Task.Workers,
		"outbox.max_retry":        c.Outbox.MaxRetry,
		"outbox.batch_size":       c.Outbox.BatchSize,
		"outbox.workers":          c.Outbox.Workers,
		"notification.max_retry":  c.Notification.MaxRetry,
		"notification.batch_size": c.Notification.BatchSize,
		"notification.workers":    c.Notification.Workers,
	}
	for key, val := range positive {
		if val <= 0 {
			return fmt.Errorf("config %s must be positive, got %d", key, val)
		}
	}
	durations := map[string]time.Duration{
		"task.poll_interval":          c.Task.PollInterval,
		"task.lease":                  c.Task.Lease,
		"outbox.interval":             c.Outbox.Interval,
		"outbox.base_backoff":         c.Outbox.BaseBackoff,
		"notification.base_backoff":   c.Notification.BaseBackoff,
		"notification.retry_interval": c.Notification.RetryInterval,
	}
	for key, val := range durations {
		if val <= 0 {
			return fmt.Errorf("config %s must be positive, got %s", key, val)
		}
	}
	if c.Outbox.MaxBackoff < c.Outbox.BaseBackoff {
		return fmt.Errorf("config outbox.max_backoff %s below base %s", c.Outbox.MaxBackoff, c.Outbox.BaseBackoff)
	}
	if c.Notification.MaxBackoff < c.Notification.BaseBackoff {
		return fmt.Errorf("config notification.max_backoff %s below base %s", c.Notification.MaxBackoff, c.Notification.BaseBackoff)
	}
	switch c.MQ.Type {
	case "kafka", "local":
	default:
		return fmt.Errorf("config mq.type %q not supported", c.MQ.Type)
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("config database.driver %q not supported", c.Database.Driver)
	}
	return nil
}
