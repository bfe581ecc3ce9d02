// Package config loads server settings from an optional YAML file, a .env
// file and CHAT_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Uploads  UploadsConfig  `yaml:"uploads"`
	Presence PresenceConfig `yaml:"presence"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"CHAT_SERVER_ADDR"`
	// AllowedOrigin is the browser origin allowed to open websockets.
	// Empty means same origin only.
	AllowedOrigin string `yaml:"allowed_origin" env:"CHAT_SERVER_ALLOWED_ORIGIN"`

	ShutdownTimeout    time.Duration `yaml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" env:"CHAT_SERVER_SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"CHAT_DATABASE_DRIVER"`
	DSN    string `yaml:"dsn" env:"CHAT_DATABASE_DSN"`
	// ChatEngine selects where conversations and messages live: "sql"
	// shares the user database, "badger" uses an embedded KV store.
	ChatEngine string `yaml:"chat_engine" env:"CHAT_DATABASE_CHAT_ENGINE"`
	BadgerPath string `yaml:"badger_path" env:"CHAT_DATABASE_BADGER_PATH"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"CHAT_AUTH_JWT_SECRET"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" env:"CHAT_AUTH_TOKEN_TTL"`
}

type UploadsConfig struct {
	Dir      string `yaml:"dir" env:"CHAT_UPLOADS_DIR"`
	BaseURL  string `yaml:"base_url" env:"CHAT_UPLOADS_BASE_URL"`
	MaxBytes int    `yaml:"max_bytes" env:"CHAT_UPLOADS_MAX_BYTES"`
}

type PresenceConfig struct {
	SendBuffer int `yaml:"send_buffer" env:"CHAT_PRESENCE_SEND_BUFFER"`
}

type ChatConfig struct {
	MaxTextLen int `yaml:"max_text_len" env:"CHAT_CHAT_MAX_TEXT_LEN"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"CHAT_LOG_LEVEL"`
	Format string `yaml:"format" env:"CHAT_LOG_FORMAT"`
}

// Default returns a configuration suitable for local development, minus
// the JWT secret which must always be provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ShutdownTimeoutRaw: "10s",
		},
		Database: DatabaseConfig{
			Driver:     "sqlite3",
			DSN:        "chatty.db",
			ChatEngine: "sql",
			BadgerPath: "data/badger",
		},
		Auth: AuthConfig{
			TokenTTLRaw: "168h",
		},
		Uploads: UploadsConfig{
			Dir:      "uploads",
			BaseURL:  "/uploads",
			MaxBytes: 5 << 20,
		},
		Presence: PresenceConfig{SendBuffer: 256},
		Chat:     ChatConfig{MaxTextLen: 4000},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// A missing .env file is fine.
	_ = godotenv.Load()
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first invalid setting it finds.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Database.ChatEngine {
	case "sql":
	case "badger":
		if c.Database.BadgerPath == "" {
			return fmt.Errorf("database.badger_path is required when chat_engine is badger")
		}
	default:
		return fmt.Errorf("database.chat_engine must be sql or badger, got %q", c.Database.ChatEngine)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Uploads.Dir == "" {
		return fmt.Errorf("uploads.dir is required")
	}
	if !isPathPrefix(c.Uploads.BaseURL) {
		return fmt.Errorf("uploads.base_url must be an absolute path such as /uploads, got %q", c.Uploads.BaseURL)
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	if c.Presence.SendBuffer <= 0 {
		return fmt.Errorf("presence.send_buffer must be positive")
	}
	if c.Chat.MaxTextLen < 0 {
		return fmt.Errorf("chat.max_text_len must not be negative")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShutdownTimeoutRaw != "" {
		cfg.Server.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Server.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	return nil
}

// isPathPrefix reports whether p is a non-root URL path the router can
// serve uploads under.
func isPathPrefix(p string) bool {
	u, err := url.Parse(p)
	if err != nil || u.Scheme != "" || u.Host != "" || u.RawQuery != "" || u.Fragment != "" {
		return false
	}
	return strings.HasPrefix(u.Path, "/") && strings.Trim(u.Path, "/") != ""
}
