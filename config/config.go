// Package config loads zenchat configuration from defaults, an optional
// YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
	DriverRedis    = "redis"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Auth      AuthConfig      `koanf:"auth"`
	Relay     RelayConfig     `koanf:"relay"`
	Assistant AssistantConfig `koanf:"assistant"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	Environment     string        `koanf:"environment"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StoreConfig struct {
	Driver        string `koanf:"driver"`
	DSN           string `koanf:"dsn"`
	Path          string `koanf:"path"`
	InMemory      bool   `koanf:"in_memory"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisDB       int    `koanf:"redis_db"`
	RedisPassword string `koanf:"redis_password"`
}

type AuthConfig struct {
	TokenSecret string        `koanf:"token_secret"`
	Issuer      string        `koanf:"issuer"`
	TokenTTL    time.Duration `koanf:"token_ttl"`
}

type RelayConfig struct {
	SendBuffer        int           `koanf:"send_buffer"`
	MaxMessageSize    int64         `koanf:"max_message_size"`
	EventRate         float64       `koanf:"event_rate"`
	EventBurst        int           `koanf:"event_burst"`
	PresenceBroadcast bool          `koanf:"presence_broadcast"`
	AckTimeout        time.Duration `koanf:"ack_timeout"`
	RingTimeout       time.Duration `koanf:"ring_timeout"`
}

type AssistantConfig struct {
	Enabled          bool          `koanf:"enabled"`
	ContactID        string        `koanf:"contact_id"`
	Endpoint         string        `koanf:"endpoint"`
	APIKey           string        `koanf:"api_key"`
	Model            string        `koanf:"model"`
	Persona          string        `koanf:"persona"`
	Timeout          time.Duration `koanf:"timeout"`
	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout"`
}

type RateLimitConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			Environment:     "development",
		},
		Store: StoreConfig{
			Driver:    DriverSQLite,
			DSN:       "./zenchat.db",
			Path:      "./data/badger",
			RedisAddr: "localhost:6379",
		},
		Auth: AuthConfig{
			Issuer:   "zenchat",
			TokenTTL: 7 * 24 * time.Hour,
		},
		Relay: RelayConfig{
			SendBuffer:     256,
			MaxMessageSize: 512 * 1024,
			EventRate:      20,
			EventBurst:     40,
			AckTimeout:     15 * time.Second,
			RingTimeout:    45 * time.Second,
		},
		Assistant: AssistantConfig{
			Enabled:          false,
			ContactID:        "gemini-ai",
			Endpoint:         "https://generativelanguage.googleapis.com/v1beta",
			Model:            "gemini-2.5-flash",
			Timeout:          30 * time.Second,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 100,
			Window:   time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration without reading any source.
func Default() *Config {
	return defaultConfig()
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	case DriverBadger:
		if c.Store.Path == "" && !c.Store.InMemory {
			errs = append(errs, errors.New("store.path is required for driver badger"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for driver redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.IsProduction() && len(c.Auth.TokenSecret) < 32 {
		errs = append(errs, errors.New("auth.token_secret must be at least 32 characters in production"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}

	if c.Relay.SendBuffer <= 0 {
		errs = append(errs, errors.New("relay.send_buffer must be positive"))
	}
	if c.Relay.EventRate <= 0 || c.Relay.EventBurst <= 0 {
		errs = append(errs, errors.New("relay.event_rate and relay.event_burst must be positive"))
	}

	if c.Assistant.Enabled && c.Assistant.APIKey == "" {
		errs = append(errs, errors.New("assistant.api_key is required when the assistant is enabled"))
	}

	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("ratelimit.requests and ratelimit.window must be positive"))
	}

	return errors.Join(errs...)
}
