// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

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

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Worker configures the reference worker harness.
type Worker struct {
	CountPerQueue int           `mapstructure:"count_per_queue"`
	Queues        []string      `mapstructure:"queues"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	CheckinEvery  time.Duration `mapstructure:"checkin_every"`
	DequeueIdle   time.Duration `mapstructure:"dequeue_idle"`
}

// Reclaimer configures the periodic lease-expiry sweep.
type Reclaimer struct {
	Interval time.Duration `mapstructure:"interval"`
	ScanSize int64         `mapstructure:"scan_size"`
}

// RateLimit configures per-queue enqueue throttling.
type RateLimit struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Transition configures the Transition Controller's catalog cache.
type Transition struct {
	CatalogReloadInterval time.Duration `mapstructure:"catalog_reload_interval"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Postgres       Postgres       `mapstructure:"postgres"`
	Worker         Worker         `mapstructure:"worker"`
	Reclaimer      Reclaimer      `mapstructure:"reclaimer"`
	RateLimit      RateLimit      `mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Transition     Transition     `mapstructure:"transition"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/engine?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Worker: Worker{
			CountPerQueue: 4,
			Queues:        []string{},
			LeaseTTL:      1800 * time.Second,
			CheckinEvery:  600 * time.Second,
			DequeueIdle:   1 * time.Second,
		},
		Reclaimer: Reclaimer{
			Interval: 3 * time.Second,
			ScanSize: 100,
		},
		RateLimit: RateLimit{
			PerSecond: 200,
			Burst:     200,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false, SamplingRate: 0.1},
		},
		Transition: Transition{
			CatalogReloadInterval: 30 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file plus env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("worker.count_per_queue", def.Worker.CountPerQueue)
	v.SetDefault("worker.queues", def.Worker.Queues)
	v.SetDefault("worker.lease_ttl", def.Worker.LeaseTTL)
	v.SetDefault("worker.checkin_every", def.Worker.CheckinEvery)
	v.SetDefault("worker.dequeue_idle", def.Worker.DequeueIdle)

	v.SetDefault("reclaimer.interval", def.Reclaimer.Interval)
	v.SetDefault("reclaimer.scan_size", def.Reclaimer.ScanSize)

	v.SetDefault("rate_limit.per_second", def.RateLimit.PerSecond)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("transition.catalog_reload_interval", def.Transition.CatalogReloadInterval)

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

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.CountPerQueue < 1 {
		return fmt.Errorf("worker.count_per_queue must be >= 1")
	}
	if cfg.Worker.LeaseTTL < time.Second {
		return fmt.Errorf("worker.lease_ttl must be >= 1s")
	}
	if cfg.Worker.CheckinEvery <= 0 || cfg.Worker.CheckinEvery >= cfg.Worker.LeaseTTL {
		return fmt.Errorf("worker.checkin_every must be >0 and < lease_ttl")
	}
	if cfg.Reclaimer.Interval <= 0 {
		return fmt.Errorf("reclaimer.interval must be > 0")
	}
	if cfg.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must be set")
	}
	if cfg.Transition.CatalogReloadInterval <= 0 {
		return fmt.Errorf("transition.catalog_reload_interval must be > 0")
	}
	return nil
}
