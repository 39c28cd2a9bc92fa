// Package config loads the service configuration: a YAML file overlaid
// with FACTDB_* environment variables, env winning.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddress     = "0.0.0.0"
	defaultPort        = 8080
	defaultBackend     = "pebble"
	defaultPath        = "./data/factdb"
	defaultLogLevel    = "info"
	defaultSweeperCron = "0 3 * * *"
)

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type SweeperConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	DryRun  bool   `yaml:"dry_run"`
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Sweeper SweeperConfig `yaml:"sweeper"`
}

// Addr returns the HTTP listen address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = defaultAddress
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// Load reads the config file at path (skipped when path is empty),
// applies env overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FACTDB_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("FACTDB_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("FACTDB_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("FACTDB_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FACTDB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FACTDB_SWEEPER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sweeper.Enabled = b
		}
	}
	if v := os.Getenv("FACTDB_SWEEPER_CRON"); v != "" {
		c.Sweeper.Cron = v
	}
	if v := os.Getenv("FACTDB_SWEEPER_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sweeper.DryRun = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = defaultBackend
	}
	if c.Store.Path == "" {
		c.Store.Path = defaultPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Sweeper.Cron == "" {
		c.Sweeper.Cron = defaultSweeperCron
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "pebble", "sqlite":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Sweeper.Enabled {
		if !gronx.New().IsValid(c.Sweeper.Cron) {
			return fmt.Errorf("config: invalid sweeper cron %q", c.Sweeper.Cron)
		}
	}
	return nil
}
