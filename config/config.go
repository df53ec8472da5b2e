// Package config holds the file-backed settings of the rescue tool. Signing
// keys never appear here; they arrive exclusively through flags or the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

var DefaultConfig = Config{
	PriorityFeeGwei: 1.0,
	MaxFeeGwei:      3.0,
	ReceiptTimeout:  90 * time.Second,
}

// Config mirrors the YAML file accepted by --config. Flag and environment
// values override whatever the file carries.
type Config struct {
	PrimaryRPC  string   `yaml:"primary_rpc"`
	PrivateRPCs []string `yaml:"private_rpcs"`

	Recipient string   `yaml:"recipient"`
	Tokens    []string `yaml:"tokens"`

	PriorityFeeGwei float64 `yaml:"priority_fee_gwei"`
	MaxFeeGwei      float64 `yaml:"max_fee_gwei"`

	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`

	LogFile string `yaml:"log_file"`
}

func (c *Config) String() string {
	return fmt.Sprintf("PrimaryRPC: %s, PrivateRPCs: %v, Recipient: %s, Tokens: %v, PriorityFeeGwei: %g, MaxFeeGwei: %g, ReceiptTimeout: %v",
		c.PrimaryRPC, c.PrivateRPCs, c.Recipient, c.Tokens, c.PriorityFeeGwei, c.MaxFeeGwei, c.ReceiptTimeout)
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate rejects a config the orchestrator could not act on.
func (c *Config) Validate() error {
	if c.PrimaryRPC == "" {
		return fmt.Errorf("primary_rpc is required")
	}
	if !common.IsHexAddress(c.Recipient) {
		return fmt.Errorf("recipient %q is not a hex address", c.Recipient)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("at least one token address is required")
	}
	for _, t := range c.Tokens {
		if !common.IsHexAddress(t) {
			return fmt.Errorf("token %q is not a hex address", t)
		}
	}
	if c.MaxFeeGwei <= 0 || c.PriorityFeeGwei <= 0 {
		return fmt.Errorf("fees must be positive (priority=%g, max=%g)", c.PriorityFeeGwei, c.MaxFeeGwei)
	}
	if c.PriorityFeeGwei > c.MaxFeeGwei {
		return fmt.Errorf("priority fee %g above max fee %g", c.PriorityFeeGwei, c.MaxFeeGwei)
	}
	return nil
}
