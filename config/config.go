// Package config loads server settings from the environment.
//
// Every key is read as MILES_<GROUP>_<KEY> and falls back to the bare tag
// name, so the usual DATABASE_URL / REDIS_URL / PORT variables work too.
//
//	MILES_HTTP_PORT                 8080
//	MILES_STORAGE_DRIVER            memory | sqlite | postgres
//	MILES_STORAGE_SQLITE_PATH       ./data/miles.db
//	MILES_STORAGE_DATABASE_URL      postgres://...
//	MILES_STORAGE_AUTO_MIGRATE      true
//	MILES_REDIS_URL                 redis://localhost:6379/0 (empty disables the cache)
//	MILES_ENGINE_SHORTFALL_POLICY   reject | partial
//	MILES_ENGINE_MAX_CONFLICT_RETRIES 3
//	MILES_LOG_LEVEL / MILES_LOG_FORMAT
//	MILES_AUDIT_ENABLED / MILES_AUDIT_INTERVAL
package config

import (
	"fmt"
	"time"

	"github.com/interleads/travelagency-system-sub000/miles"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "MILES"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTP    HTTPConfig
	Storage StorageConfig
	Redis   RedisConfig
	Engine  EngineConfig
	Log     LogConfig
	Audit   AuditConfig
}

type HTTPConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	CORSOrigins     []string      `envconfig:"CORS_ORIGINS" default:"*"`
}

type StorageConfig struct {
	Driver      string `envconfig:"DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"./data/miles.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`
}

type RedisConfig struct {
	URL string        `envconfig:"REDIS_URL"`
	TTL time.Duration `envconfig:"TTL" default:"5m"`
}

type EngineConfig struct {
	ShortfallPolicy    string `envconfig:"SHORTFALL_POLICY" default:"reject"`
	MaxConflictRetries int    `envconfig:"MAX_CONFLICT_RETRIES" default:"3"`
}

type LogConfig struct {
	Level     string `envconfig:"LEVEL" default:"info"`
	Format    string `envconfig:"FORMAT" default:"json"`
	WarnStack bool   `envconfig:"WARN_STACK" default:"false"`
}

type AuditConfig struct {
	Enabled  bool          `envconfig:"ENABLED" default:"true"`
	Interval time.Duration `envconfig:"INTERVAL" default:"1h"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("config: postgres driver requires a database url")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := miles.ParseShortfallPolicy(c.Engine.ShortfallPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Engine.MaxConflictRetries < 0 {
		return fmt.Errorf("config: max conflict retries cannot be negative")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.HTTP.Port)
	}
	return nil
}

// EngineOptions turns the engine settings into miles options.
func (c Config) EngineOptions() []miles.Option {
	policy, _ := miles.ParseShortfallPolicy(c.Engine.ShortfallPolicy)
	return []miles.Option{
		miles.WithShortfallPolicy(policy),
		miles.WithMaxConflictRetries(c.Engine.MaxConflictRetries),
	}
}
