// Package config loads the pollgrid agent configuration from YAML and keeps
// it fresh via a filesystem watcher.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Queue   QueueConfig   `yaml:"queue"`
	Lease   LeaseConfig   `yaml:"lease"`
	Flight  FlightConfig  `yaml:"flight"`
	Logging LoggingConfig `yaml:"logging"`
}

type AgentConfig struct {
	// PollIntervalSec is the idle wait between queue pulls that return nothing.
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// BatchSize is the maximum messages taken per pull.
	BatchSize int `yaml:"batch_size"`
	// ShutdownTimeoutSec bounds graceful drain on shutdown.
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
	// SweepIntervalSec is the cadence of the expired-lease recovery sweep.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

type QueueConfig struct {
	// PostponeDelaySec delays visibility of dependency-blocked messages.
	PostponeDelaySec int `yaml:"postpone_delay_sec"`
}

type LeaseConfig struct {
	// TTLSec is the dispatch lease time-to-live.
	TTLSec int `yaml:"ttl_sec"`
}

type FlightConfig struct {
	// ValiditySec is the single-flight result validity window.
	ValiditySec int `yaml:"validity_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Agent.PollIntervalSec <= 0 {
		c.Agent.PollIntervalSec = 1
	}
	if c.Agent.BatchSize <= 0 {
		c.Agent.BatchSize = 8
	}
	if c.Agent.ShutdownTimeoutSec <= 0 {
		c.Agent.ShutdownTimeoutSec = 30
	}
	if c.Agent.SweepIntervalSec <= 0 {
		c.Agent.SweepIntervalSec = 10
	}
	if c.Queue.PostponeDelaySec <= 0 {
		c.Queue.PostponeDelaySec = 5
	}
	if c.Lease.TTLSec <= 0 {
		c.Lease.TTLSec = 300
	}
	if c.Flight.ValiditySec <= 0 {
		c.Flight.ValiditySec = 30
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Load reads a YAML config file and applies defaults. A missing file is not
// an error: the defaults are returned.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
