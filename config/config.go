// Package config loads the daemon configuration from a TOML file, creating a
// default file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	DataDir         string `toml:"DataDir"`
	Environment     string `toml:"Environment"`
	MaxTxRetries    int    `toml:"MaxTxRetries"`
	MinDeposit      int64  `toml:"MinDeposit"`
	DevWalletTopUp  bool   `toml:"DevWalletTopUp"`
	AuditDBPath     string `toml:"AuditDBPath"`
	RelayIntervalMS int    `toml:"RelayIntervalMS"`
	SweepIntervalMS int    `toml:"SweepIntervalMS"`

	Log LogConfig `toml:"Log"`
}

// LogConfig controls the optional rotated log file.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./gigvault-data"
	}
	if c.MaxTxRetries <= 0 {
		c.MaxTxRetries = 5
	}
	if c.MinDeposit <= 0 {
		c.MinDeposit = 100
	}
	if strings.TrimSpace(c.AuditDBPath) == "" {
		c.AuditDBPath = filepath.Join(c.DataDir, "audit.db")
	}
	if c.RelayIntervalMS <= 0 {
		c.RelayIntervalMS = 2000
	}
	if c.SweepIntervalMS <= 0 {
		c.SweepIntervalMS = 60000
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.MaxTxRetries > 100 {
		return fmt.Errorf("config: MaxTxRetries %d is unreasonably high", c.MaxTxRetries)
	}
	if c.MinDeposit < 0 {
		return fmt.Errorf("config: MinDeposit cannot be negative")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
