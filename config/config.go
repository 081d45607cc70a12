// Package config loads apiguard settings with Viper and converts them into
// each component's configuration.
//
// Sources in priority order: APIGUARD_* environment variables, the config
// file (YAML, JSON or TOML), then defaults. Credential fields may hold
// secretref values, which Load resolves through the secret package.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jonwraymond/apiguard/secret"
)

// EnvPrefix prefixes environment overrides: token.client_id is read from
// APIGUARD_TOKEN_CLIENT_ID.
const EnvPrefix = "APIGUARD"

// Token store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the root of the configuration tree.
type Config struct {
	Service   string          `mapstructure:"service"`
	Version   string          `mapstructure:"version"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Token     TokenConfig     `mapstructure:"token"`
	Health    HealthConfig    `mapstructure:"health"`

	// Secrets configures secret providers by name, for example
	// {"file": {"dir": "/run/secrets"}}. The env provider is always present.
	Secrets map[string]map[string]any `mapstructure:"secrets"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type TelemetryConfig struct {
	TracingExporter string  `mapstructure:"tracing_exporter"`
	MetricsExporter string  `mapstructure:"metrics_exporter"`
	Endpoint        string  `mapstructure:"endpoint"`
	SamplePct       float64 `mapstructure:"sample_pct"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type BreakerConfig struct {
	MaxFailures         int           `mapstructure:"max_failures"`
	ResetTimeout        time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxRequests int           `mapstructure:"half_open_max_requests"`
	MaxBreakers         int           `mapstructure:"max_breakers"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      bool          `mapstructure:"jitter"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig is disabled while Rate is zero.
type RateLimitConfig struct {
	Rate    float64       `mapstructure:"rate"`
	Burst   int           `mapstructure:"burst"`
	Wait    bool          `mapstructure:"wait"`
	MaxWait time.Duration `mapstructure:"max_wait"`
}

type CacheConfig struct {
	DefaultTTL          time.Duration `mapstructure:"default_ttl"`
	MaxTTL              time.Duration `mapstructure:"max_ttl"`
	MaxBytes            int64         `mapstructure:"max_bytes"`
	CompressThreshold   int64         `mapstructure:"compress_threshold"`
	DeferCompression    bool          `mapstructure:"defer_compression"`
	StaleGrace          time.Duration `mapstructure:"stale_grace"`
	SimilarityFloor     int           `mapstructure:"similarity_floor"`
	Persist             bool          `mapstructure:"persist"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule"`
}

type TokenConfig struct {
	Principal     string        `mapstructure:"principal"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	TokenURL      string        `mapstructure:"token_url"`
	Scopes        []string      `mapstructure:"scopes"`
	RefreshBuffer time.Duration `mapstructure:"refresh_buffer"`
	MaxRetries    int           `mapstructure:"max_retries"`
	Notify        bool          `mapstructure:"notify"`
	Store         StoreConfig   `mapstructure:"store"`
}

// Enabled reports whether token management is configured.
func (c TokenConfig) Enabled() bool { return c.TokenURL != "" }

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`

	// EncryptionKey, when set, seals stored grants. Salt and Iterations
	// tune the key derivation.
	EncryptionKey string `mapstructure:"encryption_key"`
	Salt          string `mapstructure:"salt"`
	Iterations    int    `mapstructure:"iterations"`
}

type HealthConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	CacheUtilization float64       `mapstructure:"cache_utilization"`
}

// Load reads path (optional) and the environment into a Config, resolves
// secret references and validates the result.
func Load(ctx context.Context, path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	// Environment lists arrive as one space-separated string.
	if len(cfg.Token.Scopes) == 1 {
		cfg.Token.Scopes = strings.Fields(cfg.Token.Scopes[0])
	}

	if err := cfg.resolveSecrets(ctx); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service", "apiguard")
	v.SetDefault("version", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)

	v.SetDefault("telemetry.tracing_exporter", "none")
	v.SetDefault("telemetry.metrics_exporter", "none")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sample_pct", 1.0)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)
	v.SetDefault("breaker.half_open_max_requests", 1)
	v.SetDefault("breaker.max_breakers", 1024)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("retry.timeout", 30*time.Second)

	v.SetDefault("rate_limit.rate", 0.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.wait", true)
	v.SetDefault("rate_limit.max_wait", time.Second)

	v.SetDefault("cache.default_ttl", 5*time.Minute)
	v.SetDefault("cache.max_ttl", 24*time.Hour)
	v.SetDefault("cache.max_bytes", int64(50<<20))
	v.SetDefault("cache.compress_threshold", int64(10<<10))
	v.SetDefault("cache.defer_compression", false)
	v.SetDefault("cache.stale_grace", time.Hour)
	v.SetDefault("cache.similarity_floor", 50)
	v.SetDefault("cache.persist", false)
	v.SetDefault("cache.maintenance_schedule", "@every 1m")

	v.SetDefault("token.principal", "default")
	v.SetDefault("token.client_id", "")
	v.SetDefault("token.client_secret", "")
	v.SetDefault("token.token_url", "")
	v.SetDefault("token.scopes", []string{})
	v.SetDefault("token.refresh_buffer", 30*time.Minute)
	v.SetDefault("token.max_retries", 3)
	v.SetDefault("token.notify", false)
	v.SetDefault("token.store.backend", StoreMemory)
	v.SetDefault("token.store.dsn", "")
	v.SetDefault("token.store.encryption_key", "")
	v.SetDefault("token.store.salt", "apiguard")
	v.SetDefault("token.store.iterations", 0)

	v.SetDefault("health.timeout", 5*time.Second)
	v.SetDefault("health.cache_utilization", 0.9)
}

func (c *Config) resolveSecrets(ctx context.Context) error {
	providers := map[string]map[string]any{"env": {}}
	for name, pc := range c.Secrets {
		providers[name] = pc
	}
	r, err := secret.DefaultRegistry.Resolver(true, providers)
	if err != nil {
		return fmt.Errorf("config: secrets: %w", err)
	}
	defer r.Close()

	fields := map[string]*string{
		"token.client_id":            &c.Token.ClientID,
		"token.client_secret":        &c.Token.ClientSecret,
		"token.store.dsn":            &c.Token.Store.DSN,
		"token.store.encryption_key": &c.Token.Store.EncryptionKey,
		"redis.password":             &c.Redis.Password,
	}
	for key, ptr := range fields {
		if *ptr == "" {
			continue
		}
		resolved, err := r.ResolveValue(ctx, *ptr)
		if err != nil {
			return fmt.Errorf("config: resolve %s: %w", key, err)
		}
		*ptr = resolved
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var problems []string

	if c.Breaker.MaxFailures < 1 {
		problems = append(problems, "breaker.max_failures must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}
	if c.RateLimit.Rate < 0 {
		problems = append(problems, "rate_limit.rate must not be negative")
	}
	if err := c.CachePolicy().Validate(); err != nil {
		problems = append(problems, "cache: "+err.Error())
	}
	if c.Cache.Persist && !c.Redis.Enabled() {
		problems = append(problems, "cache.persist requires redis.addr")
	}

	if c.Token.Enabled() {
		if c.Token.ClientID == "" {
			problems = append(problems, "token.client_id is required")
		}
		if c.Token.Principal == "" {
			problems = append(problems, "token.principal is required")
		}
	}
	switch c.Token.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if !c.Redis.Enabled() {
			problems = append(problems, "token.store.backend redis requires redis.addr")
		}
	case StoreSQLite:
		if c.Token.Store.DSN == "" {
			problems = append(problems, "token.store.dsn is required for sqlite")
		}
	default:
		problems = append(problems, fmt.Sprintf("token.store.backend %q is not one of memory, redis, sqlite", c.Token.Store.Backend))
	}
	if c.Token.Notify && !c.Redis.Enabled() {
		problems = append(problems, "token.notify requires redis.addr")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
