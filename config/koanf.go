package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/zenchat/config.yaml",
}

// comma separated when they come from the environment
var sliceConfigPaths = []string{
	"server.cors_origins",
}

var envMappings = map[string]string{
	"port":             "server.port",
	"http_host":        "server.host",
	"read_timeout":     "server.read_timeout",
	"write_timeout":    "server.write_timeout",
	"shutdown_timeout": "server.shutdown_timeout",
	"cors_origins":     "server.cors_origins",
	"environment":      "server.environment",

	"store_driver":   "store.driver",
	"database_url":   "store.dsn",
	"badger_path":    "store.path",
	"store_inmemory": "store.in_memory",
	"redis_addr":     "store.redis_addr",
	"redis_db":       "store.redis_db",
	"redis_password": "store.redis_password",

	"token_secret": "auth.token_secret",
	"token_issuer": "auth.issuer",
	"token_ttl":    "auth.token_ttl",

	"relay_send_buffer":        "relay.send_buffer",
	"relay_max_message_size":   "relay.max_message_size",
	"relay_event_rate":         "relay.event_rate",
	"relay_event_burst":        "relay.event_burst",
	"relay_presence_broadcast": "relay.presence_broadcast",
	"relay_ack_timeout":        "relay.ack_timeout",
	"relay_ring_timeout":       "relay.ring_timeout",

	"assistant_enabled":    "assistant.enabled",
	"assistant_contact_id": "assistant.contact_id",
	"assistant_endpoint":   "assistant.endpoint",
	"gemini_api_key":       "assistant.api_key",
	"assistant_model":      "assistant.model",
	"assistant_persona":    "assistant.persona",
	"assistant_timeout":    "assistant.timeout",

	"rate_limit_enabled":  "ratelimit.enabled",
	"rate_limit_requests": "ratelimit.requests",
	"rate_limit_window":   "ratelimit.window",

	"metrics_enabled": "metrics.enabled",
	"metrics_path":    "metrics.path",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// Load reads .env (if present) and then builds the configuration.
// The returned bool reports whether a .env file was found.
func Load() (*Config, bool, error) {
	dotenv := godotenv.Load() == nil
	cfg, err := LoadWithKoanf()
	return cfg, dotenv, err
}

// LoadWithKoanf layers defaults, the config file and the environment,
// in increasing priority, then validates the result.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransformFunc maps an environment variable to a config path. Unmapped
// variables return "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok || s == "" {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}
