// Package config loads service settings from an optional YAML file and
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/atmx/arena-ledger/internal/address"
)

// Config holds every setting of the service.
type Config struct {
	Server struct {
		Port            int           `yaml:"port" validate:"min=1,max=65535"`
		RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gt=0"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	} `yaml:"server"`

	Ledger struct {
		ProgramID   string        `yaml:"program_id" validate:"required"`
		Owner       string        `yaml:"owner"`
		SeedBalance uint64        `yaml:"seed_balance" validate:"gt=0"`
		MaxPriceAge time.Duration `yaml:"max_price_age" validate:"gte=0"`
		MaxRetries  int           `yaml:"max_retries" validate:"min=0,max=20"`
	} `yaml:"ledger"`

	Postgres struct {
		URL       string `yaml:"url"`
		RollupURL string `yaml:"rollup_url"`
	} `yaml:"postgres"`

	Redis struct {
		URL      string        `yaml:"url"`
		CacheTTL time.Duration `yaml:"cache_ttl" validate:"gt=0"`
	} `yaml:"redis"`

	NATS struct {
		URL       string `yaml:"url"`
		QueueSize int    `yaml:"queue_size" validate:"gte=0"`
	} `yaml:"nats"`

	Oracle struct {
		// Source is "static" (prices below) or "redis" (external feeder).
		Source string            `yaml:"source" validate:"oneof=static redis"`
		Prices map[string]string `yaml:"prices"`
	} `yaml:"oracle"`

	Logging struct {
		Level      string `yaml:"level" validate:"oneof=debug info warn error"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Server.RequestTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Ledger.ProgramID = address.DefaultProgramID
	cfg.Ledger.SeedBalance = 1_000_000_000_000
	cfg.Ledger.MaxPriceAge = 60 * time.Second
	cfg.Ledger.MaxRetries = 3
	cfg.Redis.CacheTTL = 30 * time.Second
	cfg.NATS.QueueSize = 1024
	cfg.Oracle.Source = "static"
	cfg.Logging.Level = "info"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxBackups = 3
	cfg.Logging.MaxAgeDays = 28
	return &cfg
}

// Load reads path over the defaults (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if _, err := address.Parse(c.Ledger.ProgramID); err != nil {
		return fmt.Errorf("program_id: %w", err)
	}
	if c.Ledger.Owner != "" {
		if _, err := address.Parse(c.Ledger.Owner); err != nil {
			return fmt.Errorf("owner: %w", err)
		}
	}
	if c.Oracle.Source == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("oracle source redis requires redis.url")
	}
	return nil
}

// overrideWithEnv applies environment variables over the loaded values.
func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("ROLLUP_DATABASE_URL"); v != "" {
		cfg.Postgres.RollupURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("PROGRAM_ID"); v != "" {
		cfg.Ledger.ProgramID = v
	}
	if v := os.Getenv("LEDGER_OWNER"); v != "" {
		cfg.Ledger.Owner = v
	}
	if v := os.Getenv("ORACLE_SOURCE"); v != "" {
		cfg.Oracle.Source = v
	}
	if v := os.Getenv("MAX_PRICE_AGE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MAX_PRICE_AGE: %w", err)
		}
		cfg.Ledger.MaxPriceAge = d
	}
	return nil
}
