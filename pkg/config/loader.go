// Package config loads and validates the distributor daemon configuration.
// It handles YAML config files with environment variable substitution.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultListenAddr             = ":8088"
	DefaultEventLogDir            = "logs"
	DefaultNotifyExchange         = "distribution.events"
	DefaultSweepIntervalSec       = 30
	DefaultPerfRefreshIntervalSec = 300
	DefaultPerfWindow             = "24h"
	DefaultNotifyTimeoutSec       = 5
	DefaultShutdownTimeoutSec     = 10
)

// AMQPConfig configures the notification broker. An empty URL disables
// publishing and the daemon falls back to a no-op publisher.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// PrometheusConfig configures the performance-score refresh. An empty URL
// disables the refresh loop; agents then keep their roster-seeded scores.
type PrometheusConfig struct {
	URL                string `yaml:"url"`
	RefreshIntervalSec int    `yaml:"refresh_interval_sec"`
	Window             string `yaml:"window"` // Prometheus duration, e.g. "24h"
}

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	RosterPath string `yaml:"roster_path"`
	RulesPath  string `yaml:"rules_path"`

	// Empty DBPath keeps assignments in memory only.
	DBPath      string `yaml:"db_path"`
	EventLogDir string `yaml:"event_log_dir"`

	AMQP       AMQPConfig       `yaml:"amqp"`
	Prometheus PrometheusConfig `yaml:"prometheus"`

	SweepIntervalSec   int `yaml:"sweep_interval_sec"`
	NotifyTimeoutSec   int `yaml:"notify_timeout_sec"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// LoadConfig loads and validates configuration from a YAML file with
// environment variable substitution.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variable placeholders.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1] // Remove ${ and }
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Return original if env var not found
	})

	var config Config
	if err := yaml.Unmarshal([]byte(dataStr), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.EventLogDir == "" {
		config.EventLogDir = DefaultEventLogDir
	}
	if config.AMQP.URL != "" && config.AMQP.Exchange == "" {
		config.AMQP.Exchange = DefaultNotifyExchange
	}
	if config.Prometheus.URL != "" {
		if config.Prometheus.RefreshIntervalSec == 0 {
			config.Prometheus.RefreshIntervalSec = DefaultPerfRefreshIntervalSec
		}
		if config.Prometheus.Window == "" {
			config.Prometheus.Window = DefaultPerfWindow
		}
	}
	if config.SweepIntervalSec == 0 {
		config.SweepIntervalSec = DefaultSweepIntervalSec
	}
	if config.NotifyTimeoutSec == 0 {
		config.NotifyTimeoutSec = DefaultNotifyTimeoutSec
	}
	if config.ShutdownTimeoutSec == 0 {
		config.ShutdownTimeoutSec = DefaultShutdownTimeoutSec
	}
}

func validateConfig(config *Config) error {
	if config.RosterPath == "" {
		return fmt.Errorf("roster_path is required")
	}
	if config.RulesPath == "" {
		return fmt.Errorf("rules_path is required")
	}
	if config.SweepIntervalSec < 0 {
		return fmt.Errorf("sweep_interval_sec cannot be negative")
	}
	if config.Prometheus.URL != "" {
		if _, err := time.ParseDuration(config.Prometheus.Window); err != nil {
			return fmt.Errorf("invalid prometheus window %q: %w", config.Prometheus.Window, err)
		}
	}
	return nil
}

// SweepInterval returns the pending-sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// NotifyTimeout returns the publish timeout as a duration.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSec) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}
