package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
primary_rpc: https://mainnet.base.org
private_rpcs:
  - https://rpc.flashbots.net/fast
recipient: "0x71920E3cb420fbD8Ba9a495E6f801c50375ea127"
tokens:
  - "0x5FbDB2315678afecb367f032d93F642f64180aa3"
priority_fee_gwei: 0.5
max_fee_gwei: 2.5
receipt_timeout: 45s
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rescue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTemp(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "https://mainnet.base.org", cfg.PrimaryRPC)
	assert.Equal(t, []string{"https://rpc.flashbots.net/fast"}, cfg.PrivateRPCs)
	assert.Equal(t, 0.5, cfg.PriorityFeeGwei)
	assert.Equal(t, 2.5, cfg.MaxFeeGwei)
	assert.Equal(t, 45*time.Second, cfg.ReceiptTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeTemp(t, "primary_rpc: http://localhost:8545\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig.PriorityFeeGwei, cfg.PriorityFeeGwei)
	assert.Equal(t, DefaultConfig.MaxFeeGwei, cfg.MaxFeeGwei)
	assert.Equal(t, DefaultConfig.ReceiptTimeout, cfg.ReceiptTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			PrimaryRPC:      "http://localhost:8545",
			Recipient:       "0x71920E3cb420fbD8Ba9a495E6f801c50375ea127",
			Tokens:          []string{"0x5FbDB2315678afecb367f032d93F642f64180aa3"},
			PriorityFeeGwei: 1,
			MaxFeeGwei:      3,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing rpc", func(c *Config) { c.PrimaryRPC = "" }, "primary_rpc"},
		{"bad recipient", func(c *Config) { c.Recipient = "nope" }, "recipient"},
		{"no tokens", func(c *Config) { c.Tokens = nil }, "token"},
		{"bad token", func(c *Config) { c.Tokens = []string{"0x123"} }, "token"},
		{"zero fees", func(c *Config) { c.MaxFeeGwei = 0 }, "fees"},
		{"priority above max", func(c *Config) { c.PriorityFeeGwei = 5 }, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
