// Package config loads service configuration from layered sources:
// built-in defaults, an optional YAML file, then environment variables.
// Precedence is ENV > file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "STAYKEY_CONFIG"

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"staykey.yaml",
	"staykey.yml",
	"/etc/staykey/config.yaml",
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Access   AccessConfig   `koanf:"access"`
	Service  ServiceConfig  `koanf:"service"`
	Limits   LimitsConfig   `koanf:"limits"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

// AccessConfig tunes the credential core.
type AccessConfig struct {
	// HashKey keys the at-rest hashing of token and session secrets.
	// Required; 16 to 64 bytes.
	HashKey string `koanf:"hash_key"`

	DefaultTokenTTL time.Duration `koanf:"default_token_ttl"`
	GuestSessionTTL time.Duration `koanf:"guest_session_ttl"`
	StaffSessionTTL time.Duration `koanf:"staff_session_ttl"`
	ClockSkew       time.Duration `koanf:"clock_skew"`
}

// ServiceConfig holds management-plane credential settings.
type ServiceConfig struct {
	// Secret signs back-office service credentials. Required; at least
	// 16 bytes.
	Secret string `koanf:"secret"`
}

// LimitsConfig bounds inbound traffic.
type LimitsConfig struct {
	RateLimitRPS   float64 `koanf:"rate_limit_rps"`
	RateLimitBurst int     `koanf:"rate_limit_burst"`
	MaxBodyBytes   int64   `koanf:"max_body_bytes"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "",
		},
		Access: AccessConfig{
			HashKey:         "",
			DefaultTokenTTL: 24 * time.Hour,
			GuestSessionTTL: 24 * time.Hour,
			StaffSessionTTL: 12 * time.Hour,
			ClockSkew:       0,
		},
		Service: ServiceConfig{
			Secret: "",
		},
		Limits: LimitsConfig{
			RateLimitRPS:   50,
			RateLimitBurst: 100,
			MaxBodyBytes:   1 << 20, // 1MiB
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("config: server.addr is required")
	}
	if n := len(c.Access.HashKey); n < 16 || n > 64 {
		return errors.New("config: access.hash_key must be 16 to 64 bytes")
	}
	if len(c.Service.Secret) < 16 {
		return errors.New("config: service.secret must be at least 16 bytes")
	}
	if c.Access.DefaultTokenTTL <= 0 {
		return errors.New("config: access.default_token_ttl must be positive")
	}
	if c.Access.GuestSessionTTL <= 0 || c.Access.StaffSessionTTL <= 0 {
		return errors.New("config: session TTLs must be positive")
	}
	if c.Access.ClockSkew < 0 {
		return errors.New("config: access.clock_skew must not be negative")
	}
	if c.Limits.RateLimitRPS <= 0 || c.Limits.RateLimitBurst <= 0 {
		return errors.New("config: rate limit settings must be positive")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return errors.New("config: limits.max_body_bytes must be positive")
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps environment variable names to config paths. Unmapped
// variables are dropped so stray environment entries cannot pollute the
// configuration.
func envTransform(key string) string {
	mappings := map[string]string{
		"STAYKEY_ADDR":             "server.addr",
		"STAYKEY_READ_TIMEOUT":     "server.read_timeout",
		"STAYKEY_WRITE_TIMEOUT":    "server.write_timeout",
		"STAYKEY_IDLE_TIMEOUT":     "server.idle_timeout",
		"STAYKEY_SHUTDOWN_TIMEOUT": "server.shutdown_timeout",

		"STAYKEY_DB_DSN": "database.dsn",

		"STAYKEY_HASH_KEY":          "access.hash_key",
		"STAYKEY_DEFAULT_TOKEN_TTL": "access.default_token_ttl",
		"STAYKEY_GUEST_SESSION_TTL": "access.guest_session_ttl",
		"STAYKEY_STAFF_SESSION_TTL": "access.staff_session_ttl",
		"STAYKEY_CLOCK_SKEW":        "access.clock_skew",

		"STAYKEY_SERVICE_SECRET": "service.secret",

		"STAYKEY_RATE_LIMIT_RPS":   "limits.rate_limit_rps",
		"STAYKEY_RATE_LIMIT_BURST": "limits.rate_limit_burst",
		"STAYKEY_MAX_BODY_BYTES":   "limits.max_body_bytes",
	}
	if mapped, ok := mappings[strings.ToUpper(key)]; ok {
		return mapped
	}
	return ""
}
