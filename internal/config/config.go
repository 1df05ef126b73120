package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is assembled from defaults, then the YAML file named by CONFIG_FILE,
// then environment variables. Later sources win.
type Config struct {
	StoreDriver string `yaml:"store_driver" env:"STORE_DRIVER"`
	DBSource    string `yaml:"db_source" env:"DB_SOURCE"`
	SQLitePath  string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	Port            string        `yaml:"port" env:"SERVER_PORT"`
	Env             string        `yaml:"environment" env:"ENVIRONMENT"`
	LogLevel        string        `yaml:"log_level" env:"LOG_LEVEL"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	AuthMode    string `yaml:"auth_mode" env:"AUTH_MODE"`
	JWTSecret   string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer   string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience string `yaml:"jwt_audience" env:"JWT_AUDIENCE"`

	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisStream   string        `yaml:"redis_stream" env:"REDIS_STREAM"`
	RelayInterval time.Duration `yaml:"relay_interval" env:"RELAY_INTERVAL"`

	OTELEndpoint string `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

func defaults() Config {
	return Config{
		StoreDriver:     DriverMemory,
		SQLitePath:      "data/commitfund.db",
		Port:            "8080",
		Env:             "development",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		AuthMode:        "dev",
		JWTIssuer:       "commitfund",
		JWTAudience:     "commitfund-api",
		RedisStream:     "commitfund:events",
		RelayInterval:   time.Second,
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.AuthMode = strings.ToLower(strings.TrimSpace(cfg.AuthMode))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DBSource) == "" {
			errs = append(errs, errors.New("DB_SOURCE environment variable is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.AuthMode {
	case "dev":
		if c.IsProduction() {
			errs = append(errs, errors.New("AUTH_MODE=dev is not allowed in production"))
		}
	case "jwt":
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode))
	}

	if c.Port == "" {
		errs = append(errs, errors.New("SERVER_PORT is required"))
	}
	if c.RelayInterval <= 0 {
		errs = append(errs, errors.New("RELAY_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
