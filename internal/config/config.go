// Package config provides configuration management for the signal bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultLedgerPath is used when ledger.path is unset.
	defaultLedgerPath = "signalpilot.db"
	// defaultPumpInterval is used when broker.pump_interval is unset.
	defaultPumpInterval = 100 * time.Millisecond
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Stream      StreamConfig      `yaml:"stream"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	// ClientID scopes order references so several bots can share one
	// brokerage account without touching each other's orders.
	ClientID int `yaml:"client_id"`
	// PumpInterval is how often queued paper-broker events are delivered.
	PumpInterval time.Duration `yaml:"pump_interval"`
}

// LedgerConfig defines where the order ledger lives.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// StreamConfig defines the inbound alert stream.
type StreamConfig struct {
	// Path is an NDJSON file or fifo of alerts; "-" reads stdin.
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// applying defaults for optional fields.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.ClientID < 0 {
		return fmt.Errorf("broker.client_id must be >= 0")
	}
	if c.Broker.PumpInterval < 0 {
		return fmt.Errorf("broker.pump_interval must be >= 0")
	}
	if c.Broker.PumpInterval == 0 {
		c.Broker.PumpInterval = defaultPumpInterval
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = defaultLedgerPath
	}

	if c.Stream.Path == "" {
		return fmt.Errorf("stream.path is required")
	}

	return nil
}

// IsPaperTrading returns whether the bot runs against the paper broker.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}
