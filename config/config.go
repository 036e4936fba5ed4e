// Package config loads service configuration from defaults, an optional YAML
// file named by BADGECOUNT_CONFIG_PATH, and BADGECOUNT_* environment
// variables, in that order of precedence (last wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/nhalm/badgecount/ratelimit"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config defines service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Badge     BadgeConfig     `yaml:"badge"`
	CORS      CORSConfig      `yaml:"cors"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig controls the HTTP listener.
//
// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP decide the client
// address for both visitor dedup and rate limiting. Turn it off when clients
// reach the service directly, or they can pick their own identity.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// LogConfig selects the process log level (debug, info, warn, error) and
// format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the counting backend and how long a visitor stays
// deduplicated. SweepInterval applies to the memory backend; 0 disables the
// sweeper.
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	VisitorTTL    time.Duration `yaml:"visitor_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RedisConfig is the connection used by the redis backend and, when rate
// limiting is enabled, by the rate limiter. Zero PoolSize keeps the client
// default.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RateLimitConfig allows Limit requests per client per Window. Headers is
// "always", "exceeded" or "never" and controls the RateLimit-* headers.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
	Headers string        `yaml:"headers"`
}

// BadgeConfig points badge URLs at a shields.io compatible service.
type BadgeConfig struct {
	BaseURL string `yaml:"base_url"`
}

// CORSConfig lists the origins allowed to call the API; "*" allows any.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              3001,
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			TrustProxyHeaders: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend:       BackendMemory,
			VisitorTTL:    24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Prefix:       "badgecount:",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   100,
			Window:  time.Minute,
			Headers: "always",
		},
		Badge: BadgeConfig{
			BaseURL: "https://img.shields.io",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from an optional YAML file and the environment,
// then validates it.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup("BADGECOUNT_CONFIG_PATH"); ok && path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	env := envReader{lookup: lookup}

	if port, ok := lookup("PORT"); ok && port != "" {
		env.int("PORT", &cfg.Server.Port)
	}
	env.string("BADGECOUNT_SERVER_HOST", &cfg.Server.Host)
	env.int("BADGECOUNT_SERVER_PORT", &cfg.Server.Port)
	env.bool("BADGECOUNT_TRUST_PROXY_HEADERS", &cfg.Server.TrustProxyHeaders)
	env.string("BADGECOUNT_LOG_LEVEL", &cfg.Log.Level)
	env.string("BADGECOUNT_LOG_FORMAT", &cfg.Log.Format)
	env.string("BADGECOUNT_STORE_BACKEND", &cfg.Store.Backend)
	env.duration("BADGECOUNT_VISITOR_TTL", &cfg.Store.VisitorTTL)
	env.string("BADGECOUNT_REDIS_ADDR", &cfg.Redis.Addr)
	env.string("BADGECOUNT_REDIS_PASSWORD", &cfg.Redis.Password)
	env.int("BADGECOUNT_REDIS_DB", &cfg.Redis.DB)
	env.int("BADGECOUNT_REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	env.duration("BADGECOUNT_REDIS_DIAL_TIMEOUT", &cfg.Redis.DialTimeout)
	env.duration("BADGECOUNT_REDIS_READ_TIMEOUT", &cfg.Redis.ReadTimeout)
	env.duration("BADGECOUNT_REDIS_WRITE_TIMEOUT", &cfg.Redis.WriteTimeout)
	env.bool("BADGECOUNT_RATELIMIT_ENABLED", &cfg.RateLimit.Enabled)
	env.int("BADGECOUNT_RATELIMIT_LIMIT", &cfg.RateLimit.Limit)
	env.string("BADGECOUNT_RATELIMIT_HEADERS", &cfg.RateLimit.Headers)
	env.string("BADGECOUNT_BADGE_BASE_URL", &cfg.Badge.BaseURL)
	env.list("BADGECOUNT_CORS_ORIGINS", &cfg.CORS.AllowedOrigins)
	env.bool("BADGECOUNT_METRICS_ENABLED", &cfg.Metrics.Enabled)

	if env.err != nil {
		return Config{}, env.err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var err error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			err = multierr.Append(err, errors.New("redis.addr is required for the redis backend"))
		}
		if c.Redis.PoolSize < 0 {
			err = multierr.Append(err, fmt.Errorf("redis.pool_size must not be negative, got %d", c.Redis.PoolSize))
		}
		if c.Redis.DialTimeout < 0 || c.Redis.ReadTimeout < 0 || c.Redis.WriteTimeout < 0 {
			err = multierr.Append(err, errors.New("redis timeouts must not be negative"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Store.Backend))
	}
	if c.Store.VisitorTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("store.visitor_ttl must be positive, got %s", c.Store.VisitorTTL))
	}
	if c.Store.SweepInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("store.sweep_interval must not be negative, got %s", c.Store.SweepInterval))
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Limit <= 0 {
			err = multierr.Append(err, fmt.Errorf("ratelimit.limit must be positive, got %d", c.RateLimit.Limit))
		}
		if c.RateLimit.Window <= 0 {
			err = multierr.Append(err, fmt.Errorf("ratelimit.window must be positive, got %s", c.RateLimit.Window))
		}
		if _, perr := ratelimit.ParseHeaderMode(c.RateLimit.Headers); perr != nil {
			err = multierr.Append(err, fmt.Errorf("ratelimit.headers: %w", perr))
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}

	return err
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// envReader applies set environment variables and collects parse errors.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
