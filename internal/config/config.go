// Package config loads the service configuration with viper and checks it
// with struct validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. APIMANAGER_SERVER_PORT
const EnvPrefix = "APIMANAGER"

// Config represents the service configuration
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Compat    CompatConfig     `mapstructure:"compat"`
	Log       LogConfig        `mapstructure:"log"`
	Hooks     HooksConfig      `mapstructure:"hooks"`
	Resources []ResourceConfig `mapstructure:"resources" validate:"dive"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	APIPrefix       string        `mapstructure:"api_prefix"`
	MetricsPath     string        `mapstructure:"metrics_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig represents storage configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres pgx pq sqlite3 sqlite mongodb"`
	URL    string `mapstructure:"url" validate:"required"`
	// Name selects the MongoDB database
	Name         string        `mapstructure:"name" validate:"required_if=Driver mongodb"`
	MaxOpenConns int           `mapstructure:"max_open_conns" validate:"min=0"`
	MaxIdleConns int           `mapstructure:"max_idle_conns" validate:"min=0"`
	TxTimeout    time.Duration `mapstructure:"tx_timeout"`
}

// IsMongo reports whether the document store is configured
func (d DatabaseConfig) IsMongo() bool {
	return d.Driver == "mongodb"
}

// CompatConfig toggles legacy behaviour
type CompatConfig struct {
	// LegacyStatusCodes reports every classified failure as 520
	LegacyStatusCodes bool `mapstructure:"legacy_status_codes"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// HooksConfig sizes the worker pool running asynchronous hooks
type HooksConfig struct {
	Workers int `mapstructure:"workers" validate:"min=1"`
	Buffer  int `mapstructure:"buffer" validate:"min=0"`
}

// Load reads the configuration from path, or from apimanager.yaml in the
// working directory when path is empty. A missing default file is not an
// error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.api_prefix", "/api")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "file:apimanager.db?_foreign_keys=on")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("hooks.workers", 4)
	v.SetDefault("hooks.buffer", 64)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("apimanager")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Server.APIPrefix != "" {
		if !strings.HasPrefix(c.Server.APIPrefix, "/") {
			return fmt.Errorf("server.api_prefix must start with '/', got: %s", c.Server.APIPrefix)
		}
		if strings.HasSuffix(c.Server.APIPrefix, "/") {
			return fmt.Errorf("server.api_prefix must not end with '/', got: %s", c.Server.APIPrefix)
		}
	}

	seen := make(map[string]bool, len(c.Resources))
	for _, r := range c.Resources {
		if seen[r.Name] {
			return fmt.Errorf("resource %s declared twice", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
