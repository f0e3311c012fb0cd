// Package config loads the process-wide gateway configuration from an
// optional YAML file plus GATEWAY_-prefixed environment variables. All
// values are read once at startup and injected at construction; nothing
// here mutates after Load returns.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Store     StoreConfig     `koanf:"store"`
	Instances InstancesConfig `koanf:"instances"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Auth      AuthConfig      `koanf:"auth"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// PublicHost is the host the gateway is served under. When set,
	// requests without Origin or Referer whose Host matches it are
	// treated as same-origin and skip the domain allowlist.
	PublicHost     string        `koanf:"public_host"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type UpstreamConfig struct {
	APIHost        string        `koanf:"api_host"`
	DefaultAPIKey  string        `koanf:"default_api_key"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

type StoreConfig struct {
	Backend string       `koanf:"backend"` // memory, redis, sqlite
	Redis   RedisConfig  `koanf:"redis"`
	SQLite  SQLiteConfig `koanf:"sqlite"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type InstancesConfig struct {
	// CacheTTL bounds how long a looked-up instance config may be
	// served from memory. Zero disables the cache.
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

type AnalyticsConfig struct {
	Enabled        bool `koanf:"enabled"`
	MaxDomains     int  `koanf:"max_domains"`
	SessionSamples int  `koanf:"session_samples"`
}

type AuthConfig struct {
	// ServiceToken guards the analytics read API. Empty leaves the API
	// unmounted.
	ServiceToken string `koanf:"service_token"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from the YAML file at path (missing file is
// fine), then environment overrides, then defaults. The two wire-level
// variables DEFAULT_API_KEY and TYPINGMIND_API_HOST always win.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	// Environment variables override file config: GATEWAY_STORE__BACKEND=redis
	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]interface{}{
		"server.host":               "0.0.0.0",
		"server.port":               8080,
		"server.request_timeout":    "30s",
		"upstream.api_host":         "https://api.typingmind.com",
		"upstream.connect_timeout":  "10s",
		"store.backend":             "memory",
		"store.redis.addr":          "localhost:6379",
		"store.sqlite.path":         "gateway.db",
		"instances.cache_ttl":       "60s",
		"analytics.enabled":         true,
		"analytics.max_domains":     1024,
		"analytics.session_samples": 100,
		"telemetry.service_name":    "agent-gateway",
		"log.level":                 "info",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	// Substitute ${VAR} references in secret-bearing fields
	cfg.Upstream.DefaultAPIKey = substituteEnvVars(cfg.Upstream.DefaultAPIKey)
	cfg.Auth.ServiceToken = substituteEnvVars(cfg.Auth.ServiceToken)
	cfg.Store.Redis.Password = substituteEnvVars(cfg.Store.Redis.Password)

	// Deployments set these two by name; they take precedence over
	// anything in the file.
	if v := os.Getenv("DEFAULT_API_KEY"); v != "" {
		cfg.Upstream.DefaultAPIKey = v
	}
	if v := os.Getenv("TYPINGMIND_API_HOST"); v != "" {
		cfg.Upstream.APIHost = v
	}
	cfg.Upstream.APIHost = strings.TrimSuffix(cfg.Upstream.APIHost, "/")

	switch cfg.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	return &cfg, nil
}

// SlogLevel maps the configured log level onto slog's scale.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
