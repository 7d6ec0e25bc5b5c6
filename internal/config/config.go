// Package config loads tenantgate settings from defaults, an optional YAML
// file and TENANTGATE_* environment variables, in increasing precedence.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	minSecretLength = 32
)

// Config holds all configuration for the API server.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	GRPC        GRPCConfig      `mapstructure:"grpc"`
	Log         LogConfig       `mapstructure:"log"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Store       StoreConfig     `mapstructure:"store"`
	Redis       RedisConfig     `mapstructure:"redis"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Testing     TestingConfig   `mapstructure:"testing"`

	// GeneratedSecret is set when Load created an ephemeral development secret.
	GeneratedSecret bool `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	// TrustProxy makes the first X-Forwarded-For entry the client address.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// GRPCConfig holds the gRPC health server configuration.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig holds token settings.
type AuthConfig struct {
	Secret        string        `mapstructure:"secret"`
	Issuer        string        `mapstructure:"issuer"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	VerifySubject bool          `mapstructure:"verify_subject"`
	DenylistSize  int           `mapstructure:"denylist_size"`
}

// StoreConfig selects and tunes the credential store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds the shared Redis connection used by the limiter and
// deny-list. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig holds per-identity and global limiter settings.
type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Backend     string        `mapstructure:"backend"`
	Requests    int           `mapstructure:"requests"`
	Window      time.Duration `mapstructure:"window"`
	FailOpen    bool          `mapstructure:"fail_open"`
	GlobalRPS   float64       `mapstructure:"global_rps"`
	GlobalBurst int           `mapstructure:"global_burst"`
}

// TestingConfig holds switches for test harnesses.
type TestingConfig struct {
	ResetEnabled bool `mapstructure:"reset_enabled"`
}

// Load reads configuration. An empty configPath skips the file.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TENANTGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.RateLimit.Backend = strings.ToLower(strings.TrimSpace(cfg.RateLimit.Backend))

	if cfg.Auth.Secret == "" && cfg.IsDevelopment() {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Auth.Secret = secret
		cfg.GeneratedSecret = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", EnvDevelopment)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "tenantgate")
	v.SetDefault("auth.access_ttl", "30m")
	v.SetDefault("auth.refresh_ttl", "168h")
	v.SetDefault("auth.verify_subject", true)
	v.SetDefault("auth.denylist_size", 100000)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.max_open_conns", 50)
	v.SetDefault("store.max_idle_conns", 25)
	v.SetDefault("store.conn_max_lifetime", "15m")
	v.SetDefault("store.conn_max_idle_time", "5m")
	v.SetDefault("store.auto_migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.requests", 10)
	v.SetDefault("rate_limit.window", "1m")
	v.SetDefault("rate_limit.fail_open", true)
	v.SetDefault("rate_limit.global_rps", 0.0)
	v.SetDefault("rate_limit.global_burst", 0)

	v.SetDefault("testing.reset_enabled", false)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction, "staging", "test":
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server max body bytes must be positive")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc address is required when grpc is enabled")
	}

	if len(c.Auth.Secret) < minSecretLength {
		return fmt.Errorf("auth secret must be at least %d bytes", minSecretLength)
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("token ttls must be positive")
	}
	if c.Auth.RefreshTTL < c.Auth.AccessTTL {
		return fmt.Errorf("refresh ttl must not be shorter than access ttl")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			return fmt.Errorf("rate limit requests must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if c.Redis.Addr == "" {
				return fmt.Errorf("redis address is required for the redis rate limit backend")
			}
		default:
			return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
		}
	}
	if c.RateLimit.GlobalRPS < 0 || c.RateLimit.GlobalBurst < 0 {
		return fmt.Errorf("global rate limit must not be negative")
	}

	if c.Testing.ResetEnabled && c.Environment == EnvProduction {
		return fmt.Errorf("the reset endpoint cannot be enabled in production")
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool { return c.Environment == EnvDevelopment }

func randomSecret() (string, error) {
	buf := make([]byte, minSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate development secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
