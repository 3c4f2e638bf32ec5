// Package config loads application configuration from defaults, an optional
// YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/bissquit/sheetdash/internal/domain"
	"github.com/bissquit/sheetdash/internal/identity"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix prefixes every environment variable read by Load.
// Nested keys are separated by a double underscore, e.g.
// SHEETDASH_JWT__SECRET_KEY sets jwt.secret_key.
const EnvPrefix = "SHEETDASH_"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	JWT       JWTConfig       `koanf:"jwt"`
	Auth      AuthConfig      `koanf:"auth"`
	Users     UsersConfig     `koanf:"users"`
	Lockout   LockoutConfig   `koanf:"lockout"`
	Redis     RedisConfig     `koanf:"redis"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	CORS      CORSConfig      `koanf:"cors"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	// HSTSSeconds enables Strict-Transport-Security when positive.
	HSTSSeconds int64 `koanf:"hsts_seconds"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig contains token settings.
type JWTConfig struct {
	SecretKey string        `koanf:"secret_key"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// AuthConfig contains credential settings.
type AuthConfig struct {
	// AdminSecret gates self-registration with the admin role.
	// Empty disables admin sign-up.
	AdminSecret    string                  `koanf:"admin_secret"`
	HashCost       int                     `koanf:"hash_cost"`
	PasswordPolicy identity.PasswordPolicy `koanf:"password_policy"`
}

// UsersConfig contains user directory behavior.
type UsersConfig struct {
	DeleteMode domain.DeleteMode `koanf:"delete_mode"`
}

// LockoutConfig contains login lockout settings.
type LockoutConfig struct {
	Backend     string        `koanf:"backend"`
	MaxAttempts int           `koanf:"max_attempts"`
	Window      time.Duration `koanf:"window"`
	Cooldown    time.Duration `koanf:"cooldown"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// RateLimitConfig contains per-client limits for public auth routes.
type RateLimitConfig struct {
	Enabled   bool    `koanf:"enabled"`
	PerMinute float64 `koanf:"per_minute"`
	Burst     int     `koanf:"burst"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Lockout backends.
const (
	LockoutBackendMemory = "memory"
	LockoutBackendRedis  = "redis"
)

// Default returns configuration with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrationsPath:  "file://migrations",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			TokenTTL: 7 * 24 * time.Hour,
		},
		Auth: AuthConfig{
			HashCost:       identity.DefaultHashCost,
			PasswordPolicy: identity.DefaultPasswordPolicy(),
		},
		Users: UsersConfig{
			DeleteMode: domain.DeleteModeSoft,
		},
		Lockout: LockoutConfig{
			Backend:     LockoutBackendMemory,
			MaxAttempts: 5,
			Window:      15 * time.Minute,
			Cooldown:    15 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerMinute: 30,
			Burst:     10,
		},
	}
}

// DefaultAllowedOrigins is used when no CORS origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:3000"}

// Load builds configuration from defaults, the YAML file at path (skipped
// when empty) and SHEETDASH_* environment variables, in that order.
// Variables from a .env file in the working directory are loaded first
// without overriding the real environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = DefaultAllowedOrigins
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SHEETDASH_JWT__SECRET_KEY to jwt.secret_key. List values are
// comma separated.
func envKey(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")

	if key == "cors.allowed_origins" {
		var origins []string
		for _, o := range strings.Split(value, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		return key, origins
	}
	return key, value
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Server.HSTSSeconds < 0 {
		errs = append(errs, errors.New("server.hsts_seconds must not be negative"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	if c.JWT.TokenTTL <= 0 {
		errs = append(errs, errors.New("jwt.token_ttl must be positive"))
	}
	if c.Auth.HashCost < bcrypt.MinCost || c.Auth.HashCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("auth.hash_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if err := c.Auth.PasswordPolicy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth.password_policy: %w", err))
	}
	if !c.Users.DeleteMode.IsValid() {
		errs = append(errs, fmt.Errorf("users.delete_mode must be soft or hard, got %q", c.Users.DeleteMode))
	}

	switch c.Lockout.Backend {
	case LockoutBackendMemory:
	case LockoutBackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis lockout backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lockout.backend must be memory or redis, got %q", c.Lockout.Backend))
	}
	if c.Lockout.MaxAttempts < 0 {
		errs = append(errs, errors.New("lockout.max_attempts must not be negative"))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PathFromEnv returns the config file path from CONFIG_PATH when the flag
// value is empty.
func PathFromEnv(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("CONFIG_PATH")
}
