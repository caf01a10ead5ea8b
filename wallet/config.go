package wallet

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPollInterval is how often a pending top-up quote is
	// checked against the mint.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxPollAttempts bounds how many checks happen before a
	// quote is given up as unpaid.
	DefaultMaxPollAttempts = 40
)

type Config struct {
	// WalletPath is the directory holding the wallet database.
	WalletPath string `yaml:"wallet_path"`
	// MintURL is the mint new value is requested from.
	MintURL string `yaml:"mint_url"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
}

// LoadConfig reads and parses a YAML config file. Environment
// variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.WalletPath == "" {
		return fmt.Errorf("config: wallet_path is required")
	}
	if c.MintURL == "" {
		return fmt.Errorf("config: mint_url is required")
	}
	if _, err := url.Parse(c.MintURL); err != nil {
		return fmt.Errorf("config: invalid mint_url: %v", err)
	}
	if c.PollInterval < 0 || c.MaxPollAttempts < 0 {
		return fmt.Errorf("config: polling values cannot be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollAttempts == 0 {
		c.MaxPollAttempts = DefaultMaxPollAttempts
	}
	return c
}
