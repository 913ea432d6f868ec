// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Workers struct {
	Count int `mapstructure:"count"`
}

type QueueConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Lease       time.Duration `mapstructure:"lease"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	AccessToken       string        `mapstructure:"access_token"`
	APIVersion        string        `mapstructure:"api_version"`
	RPS               float64       `mapstructure:"rps"`
	Burst             int           `mapstructure:"burst"`
	Concurrency       int           `mapstructure:"concurrency"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	TransientRetries  int           `mapstructure:"transient_retries"`
	RateLimitCoolOff  time.Duration `mapstructure:"rate_limit_cool_off"`
	RateLimitCoolOffMax time.Duration `mapstructure:"rate_limit_cool_off_max"`
}

type ProgressConfig struct {
	EstimatedCommentsPerPost int `mapstructure:"estimated_comments_per_post"`
}

type TaskConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type HTTPAPIConfig struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	CORSAllowOrigins   []string      `mapstructure:"cors_allow_origins"`
	AuditLogPath       string        `mapstructure:"audit_log_path"`
	AuditRotateSizeMB  int           `mapstructure:"audit_rotate_size_mb"`
	AuditMaxBackups    int           `mapstructure:"audit_max_backups"`
}

type PrunerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Schedule       string        `mapstructure:"schedule"`
	RetentionAge   time.Duration `mapstructure:"retention_age"`
	DeletePosts    bool          `mapstructure:"delete_posts"`
	DeleteComments bool          `mapstructure:"delete_comments"`
}

type ArchiveConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	S3Bucket         string `mapstructure:"s3_bucket"`
	S3Region         string `mapstructure:"s3_region"`
	S3Prefix         string `mapstructure:"s3_prefix"`
	ClickHouseDSN    string `mapstructure:"clickhouse_dsn"`
	ClickHouseTable  string `mapstructure:"clickhouse_table"`
}

type EventHooksConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	NATSURL       string        `mapstructure:"nats_url"`
	NATSSubject   string        `mapstructure:"nats_subject"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Postgres       Postgres            `mapstructure:"postgres"`
	Redis          Redis               `mapstructure:"redis"`
	Workers        Workers             `mapstructure:"workers"`
	Queue          QueueConfig         `mapstructure:"queue"`
	Upstream       UpstreamConfig      `mapstructure:"upstream"`
	Progress       ProgressConfig      `mapstructure:"progress"`
	Task           TaskConfig          `mapstructure:"task"`
	CircuitBreaker CircuitBreaker      `mapstructure:"circuit_breaker"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	HTTPAPI        HTTPAPIConfig       `mapstructure:"http_api"`
	Pruner         PrunerConfig        `mapstructure:"pruner"`
	Archive        ArchiveConfig       `mapstructure:"archive"`
	EventHooks     EventHooksConfig    `mapstructure:"event_hooks"`
}

func defaultConfig() *Config {
	return &Config{
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/vkcollector?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Workers: Workers{Count: 3},
		Queue: QueueConfig{
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Minute,
			MaxAttempts: 5,
			Lease:       30 * time.Second,
			KeyPrefix:   "vkcollector:queue",
		},
		Upstream: UpstreamConfig{
			BaseURL:             "https://api.vk.com/method",
			APIVersion:          "5.199",
			RPS:                 3,
			Burst:               3,
			Concurrency:         3,
			RequestTimeout:      10 * time.Second,
			TransientRetries:    3,
			RateLimitCoolOff:    1 * time.Second,
			RateLimitCoolOffMax: 30 * time.Second,
		},
		Progress: ProgressConfig{EstimatedCommentsPerPost: 15},
		Task:     TaskConfig{DefaultTimeout: 0},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Observability: ObservabilityConfig{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		HTTPAPI: HTTPAPIConfig{
			ListenAddr:         ":8080",
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       15 * time.Second,
			RateLimitPerMinute: 120,
			RateLimitBurst:     30,
			CORSAllowOrigins:   []string{"*"},
			AuditLogPath:       "./data/audit.log",
			AuditRotateSizeMB:  50,
			AuditMaxBackups:    5,
		},
		Pruner: PrunerConfig{
			Enabled:      true,
			Schedule:     "0 3 * * *",
			RetentionAge: 30 * 24 * time.Hour,
			DeletePosts:  false,
		},
		Archive: ArchiveConfig{Enabled: false},
		EventHooks: EventHooksConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, with env-var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("workers.count", def.Workers.Count)

	v.SetDefault("queue.base_delay", def.Queue.BaseDelay)
	v.SetDefault("queue.max_delay", def.Queue.MaxDelay)
	v.SetDefault("queue.max_attempts", def.Queue.MaxAttempts)
	v.SetDefault("queue.lease", def.Queue.Lease)
	v.SetDefault("queue.key_prefix", def.Queue.KeyPrefix)

	v.SetDefault("upstream.base_url", def.Upstream.BaseURL)
	v.SetDefault("upstream.api_version", def.Upstream.APIVersion)
	v.SetDefault("upstream.rps", def.Upstream.RPS)
	v.SetDefault("upstream.burst", def.Upstream.Burst)
	v.SetDefault("upstream.concurrency", def.Upstream.Concurrency)
	v.SetDefault("upstream.request_timeout", def.Upstream.RequestTimeout)
	v.SetDefault("upstream.transient_retries", def.Upstream.TransientRetries)
	v.SetDefault("upstream.rate_limit_cool_off", def.Upstream.RateLimitCoolOff)
	v.SetDefault("upstream.rate_limit_cool_off_max", def.Upstream.RateLimitCoolOffMax)

	v.SetDefault("progress.estimated_comments_per_post", def.Progress.EstimatedCommentsPerPost)

	v.SetDefault("task.default_timeout", def.Task.DefaultTimeout)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("http_api.listen_addr", def.HTTPAPI.ListenAddr)
	v.SetDefault("http_api.read_timeout", def.HTTPAPI.ReadTimeout)
	v.SetDefault("http_api.write_timeout", def.HTTPAPI.WriteTimeout)
	v.SetDefault("http_api.rate_limit_per_minute", def.HTTPAPI.RateLimitPerMinute)
	v.SetDefault("http_api.rate_limit_burst", def.HTTPAPI.RateLimitBurst)
	v.SetDefault("http_api.cors_allow_origins", def.HTTPAPI.CORSAllowOrigins)
	v.SetDefault("http_api.audit_log_path", def.HTTPAPI.AuditLogPath)
	v.SetDefault("http_api.audit_rotate_size_mb", def.HTTPAPI.AuditRotateSizeMB)
	v.SetDefault("http_api.audit_max_backups", def.HTTPAPI.AuditMaxBackups)

	v.SetDefault("pruner.enabled", def.Pruner.Enabled)
	v.SetDefault("pruner.schedule", def.Pruner.Schedule)
	v.SetDefault("pruner.retention_age", def.Pruner.RetentionAge)
	v.SetDefault("pruner.delete_posts", def.Pruner.DeletePosts)
	v.SetDefault("pruner.delete_comments", def.Pruner.DeleteComments)

	v.SetDefault("archive.enabled", def.Archive.Enabled)

	v.SetDefault("event_hooks.timeout", def.EventHooks.Timeout)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}
	if cfg.Queue.Lease < 5*time.Second {
		return fmt.Errorf("queue.lease must be >= 5s")
	}
	if cfg.Upstream.RPS <= 0 {
		return fmt.Errorf("upstream.rps must be > 0")
	}
	if cfg.Upstream.Burst < 1 {
		return fmt.Errorf("upstream.burst must be >= 1")
	}
	if cfg.Upstream.Concurrency < 1 {
		return fmt.Errorf("upstream.concurrency must be >= 1")
	}
	if cfg.Progress.EstimatedCommentsPerPost < 1 {
		return fmt.Errorf("progress.estimated_comments_per_post must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
