// Package config loads the dispatcher's runtime configuration from a
// YAML/JSON file plus environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nodalwatch/ace/internal/runtime"
)

// ServerConfig controls the HTTP submission API.
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls the Postgres tracking store.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// ConnectionString builds a libpq connection string from host parameters.
// Ignored when DSN is set directly.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// LoggingConfig controls pkg/logger.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls at-rest secret handling.
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// UserSpec is one statically-configured HTTP API user.
type UserSpec struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// AuthConfig controls the submission API's authentication.
type AuthConfig struct {
	Tokens    []string   `json:"tokens"`
	JWTSecret string     `json:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Users     []UserSpec `json:"users"`
}

// BackendConfig selects the pluggable implementations wired together by
// internal/engine: every one of these has an in-memory implementation (for
// tests and single-node development) and a networked one.
type BackendConfig struct {
	Store string `json:"store" env:"ACE_STORE_BACKEND"` // "memory" | "postgres"
	Queue string `json:"queue" env:"ACE_QUEUE_BACKEND"` // "memory" | "redis"
	Lock  string `json:"lock" env:"ACE_LOCK_BACKEND"`   // "memory" | "redis"
}

// DispatcherConfig controls internal/dispatcher's compare-and-swap retry loop.
type DispatcherConfig struct {
	MaxCASRetries int `json:"max_cas_retries" env:"ACE_DISPATCHER_MAX_CAS_RETRIES"`
}

// WorkerConfig controls internal/worker pool sizing and the expired-request
// sweep schedule.
type WorkerConfig struct {
	DefaultConcurrency int    `json:"default_concurrency" env:"ACE_WORKER_CONCURRENCY"`
	SweepSchedule      string `json:"sweep_schedule" env:"ACE_WORKER_SWEEP_SCHEDULE"`
}

// CacheConfig controls internal/cache's default result TTL.
type CacheConfig struct {
	DefaultTTLSeconds int `json:"default_ttl_seconds" env:"ACE_CACHE_DEFAULT_TTL_SECONDS"`
}

// MetricsConfig controls pkg/metrics's Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" env:"METRICS_ENABLED"`
	Port    int  `json:"port" env:"METRICS_PORT"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Security   SecurityConfig   `json:"security"`
	Auth       AuthConfig       `json:"auth"`
	Backend    BackendConfig    `json:"backend"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Worker     WorkerConfig     `json:"worker"`
	Cache      CacheConfig      `json:"cache"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "service-layer",
		},
		Security: SecurityConfig{},
		Auth:     AuthConfig{},
		Backend: BackendConfig{
			Store: "memory",
			Queue: "memory",
			Lock:  "memory",
		},
		Dispatcher: DispatcherConfig{
			MaxCASRetries: 5,
		},
		Worker: WorkerConfig{
			DefaultConcurrency: 4,
			SweepSchedule:      "@every 30s",
		},
		Cache: CacheConfig{
			DefaultTTLSeconds: 3600,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load loads configuration from a file (if CONFIG_FILE is set, or
// configs/config.yaml exists) and applies environment variable overrides.
// A missing file is not an error: callers that run purely off environment
// variables or defaults are expected to work.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if runtime.Env() == runtime.Production {
		// Structured logs by default in production; overridable by file or
		// LOG_FORMAT below like every other setting.
		cfg.Logging.Format = "json"
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when none of the tagged fields are present in the
		// environment; treat that as "no overrides" so a local run works
		// without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, returning defaults
// unchanged if the file does not exist.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// LoadConfig reads configuration from a JSON file.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN,
// matching how most Postgres hosting providers hand out credentials.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}
