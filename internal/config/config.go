// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

// Package config loads and validates relay configuration.
//
// Configuration is merged in priority order: built-in defaults, then an
// optional YAML file, then environment variables. The environment variable
// names match the deployment's existing names (PORT, JWT_SECRET,
// FRONTEND_ORIGIN) plus RELAY_-prefixed names for everything else.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/trailmarks-relay/config.yaml",
	"/etc/trailmarks-relay/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "RELAY_CONFIG_PATH"

// Config is the root configuration for the relay process.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Chat     ChatConfig     `koanf:"chat"`
	Accounts AccountsConfig `koanf:"accounts"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// SecurityConfig holds credential verification and surface-hardening settings.
type SecurityConfig struct {
	// JWTSecret is the shared HMAC secret used to verify session tokens.
	// It must match the secret the account service signs tokens with.
	JWTSecret string `koanf:"jwt_secret" validate:"required,min=32"`

	// TokenTTL is the lifetime applied when this process mints tokens
	// (test tooling only; the account service is the normal issuer).
	TokenTTL time.Duration `koanf:"token_ttl"`

	// CORSOrigins are the browser origins allowed to connect.
	CORSOrigins []string `koanf:"cors_origins"`

	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"min=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// ChatConfig holds presence/relay engine settings.
type ChatConfig struct {
	// MaxMessageChars is the truncation limit for chat text.
	MaxMessageChars int `koanf:"max_message_chars" validate:"min=1"`

	// SendBuffer is the per-connection outbound queue size. Clients that
	// fall further behind have deliveries dropped (best-effort contract).
	SendBuffer int `koanf:"send_buffer" validate:"min=1"`

	// ResolveTimeout bounds the credential resolution step so a slow
	// account directory cannot pin a connection in limbo.
	ResolveTimeout time.Duration `koanf:"resolve_timeout"`

	// InboundRate and InboundBurst rate-limit frames per connection.
	InboundRate  float64 `koanf:"inbound_rate"`
	InboundBurst int     `koanf:"inbound_burst"`
}

// AccountsConfig holds account directory settings for identity enrichment.
type AccountsConfig struct {
	// StorePath is the Badger directory holding the local account replica.
	// Empty disables enrichment entirely (labels fall back to "unknown").
	StorePath string `koanf:"store_path"`

	// InMemory runs Badger without disk persistence. Intended for tests
	// and local development.
	InMemory bool `koanf:"in_memory"`

	// BreakerEnabled wraps lookups in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first and then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    4000,
			Timeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			TokenTTL:        7 * 24 * time.Hour,
			CORSOrigins:     []string{"http://localhost:5173"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Chat: ChatConfig{
			MaxMessageChars: 1000,
			SendBuffer:      256,
			ResolveTimeout:  5 * time.Second,
			InboundRate:     10,
			InboundBurst:    20,
		},
		Accounts: AccountsConfig{
			StorePath:      "/data/accounts",
			InMemory:       false,
			BreakerEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFromFile(findConfigFile())
}

// LoadFromFile is Load with an explicit config file path. An empty path
// skips the file layer.
func LoadFromFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// CORS origins arrive as a comma-separated string from the environment.
	if raw := k.String("security.cors_origins"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if err := k.Set("security.cors_origins", origins); err != nil {
			return nil, fmt.Errorf("set cors origins: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
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

// envMappings maps environment variable names to koanf config paths. The
// unprefixed names are the ones the wider deployment already exports for
// the account service, so the relay reads them as-is.
var envMappings = map[string]string{
	"PORT":            "server.port",
	"JWT_SECRET":      "security.jwt_secret",
	"FRONTEND_ORIGIN": "security.cors_origins",

	"RELAY_HOST":                     "server.host",
	"RELAY_PORT":                     "server.port",
	"RELAY_TIMEOUT":                  "server.timeout",
	"RELAY_JWT_SECRET":               "security.jwt_secret",
	"RELAY_TOKEN_TTL":                "security.token_ttl",
	"RELAY_CORS_ORIGINS":             "security.cors_origins",
	"RELAY_RATE_LIMIT_REQS":          "security.rate_limit_reqs",
	"RELAY_RATE_LIMIT_WINDOW":        "security.rate_limit_window",
	"RELAY_MAX_MESSAGE_CHARS":        "chat.max_message_chars",
	"RELAY_SEND_BUFFER":              "chat.send_buffer",
	"RELAY_RESOLVE_TIMEOUT":          "chat.resolve_timeout",
	"RELAY_INBOUND_RATE":             "chat.inbound_rate",
	"RELAY_INBOUND_BURST":            "chat.inbound_burst",
	"RELAY_ACCOUNTS_STORE_PATH":      "accounts.store_path",
	"RELAY_ACCOUNTS_IN_MEMORY":       "accounts.in_memory",
	"RELAY_ACCOUNTS_BREAKER_ENABLED": "accounts.breaker_enabled",
	"RELAY_LOG_LEVEL":                "logging.level",
	"RELAY_LOG_FORMAT":               "logging.format",
}

// envTransformFunc maps environment variable names to config paths.
// Unrecognized variables are discarded so unrelated environment noise
// cannot leak into the configuration.
func envTransformFunc(key string) string {
	return envMappings[key]
}

// Validate checks the configuration with go-playground/validator plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Chat.ResolveTimeout <= 0 {
		return fmt.Errorf("chat.resolve_timeout must be positive")
	}
	if c.Chat.InboundRate <= 0 || c.Chat.InboundBurst <= 0 {
		return fmt.Errorf("chat inbound rate limit must be positive")
	}
	if len(c.Security.CORSOrigins) == 0 {
		return fmt.Errorf("security.cors_origins must not be empty")
	}

	return nil
}
