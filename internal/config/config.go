// Package config loads the rewardclaim YAML configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moltbunker/rewardclaim/internal/logging"
	"github.com/moltbunker/rewardclaim/pkg/types"
)

// Config represents the complete configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Chain    ChainConfig    `yaml:"chain"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Rewards  RewardsConfig  `yaml:"rewards"`
	Features types.Features `yaml:"features"`
	API      APIConfig      `yaml:"api"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// ChainConfig contains RPC and staking contract settings
type ChainConfig struct {
	RPCURL             string  `yaml:"rpc_url"`
	WSEndpoint         string  `yaml:"ws_endpoint"`
	ChainID            int64   `yaml:"chain_id"`
	StakingAddress     string  `yaml:"staking_address"`
	TokenDecimals      int     `yaml:"token_decimals"`
	GasLimitMultiplier float64 `yaml:"gas_limit_multiplier"`
	MaxFeePerGasGwei   int64   `yaml:"max_fee_per_gas_gwei"` // 0 disables the cap
	BlockConfirmations int     `yaml:"block_confirmations"`
	MockMode           bool    `yaml:"mock_mode"` // in-memory chain, no RPC
}

// MaxFeePerGas returns the fee cap in wei, or nil when disabled
func (c ChainConfig) MaxFeePerGas() *big.Int {
	if c.MaxFeePerGasGwei <= 0 {
		return nil
	}
	return new(big.Int).Mul(big.NewInt(c.MaxFeePerGasGwei), big.NewInt(1e9))
}

// WalletConfig locates the delegator keystore and its passphrase
type WalletConfig struct {
	KeystoreDir  string `yaml:"keystore_dir"`
	PasswordFile string `yaml:"password_file"`
	UseKeyring   bool   `yaml:"use_keyring"`
}

// RewardsConfig controls reward polling
type RewardsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// APIConfig contains API server settings
type APIConfig struct {
	HTTPAddr        string  `yaml:"http_addr"`
	EnableWebSocket bool    `yaml:"enable_websocket"`
	RateLimit       float64 `yaml:"rate_limit"` // requests per second per client
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	AuthToken       string  `yaml:"auth_token"`   // empty disables auth
	MetricsPath     string  `yaml:"metrics_path"` // empty disables /metrics
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".rewardclaim")

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Chain: ChainConfig{
			RPCURL:             "http://127.0.0.1:8545",
			ChainID:            1337,
			TokenDecimals:      18,
			GasLimitMultiplier: 1.2,
			MaxFeePerGasGwei:   100,
			BlockConfirmations: 1,
			MockMode:           true,
		},
		Wallet: WalletConfig{
			KeystoreDir: filepath.Join(baseDir, "keystore"),
			UseKeyring:  true,
		},
		Rewards: RewardsConfig{
			PollInterval: 30 * time.Second,
			FetchTimeout: 10 * time.Second,
		},
		Features: types.Features{
			ClaimRewardsEnabled: true,
		},
		API: APIConfig{
			HTTPAddr:        "127.0.0.1:8645",
			EnableWebSocket: true,
			RateLimit:       10,
			RateLimitBurst:  20,
			MetricsPath:     "/metrics",
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	// Chain validation
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("invalid chain_id: %d", c.Chain.ChainID)
	}
	if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 36 {
		return fmt.Errorf("invalid token_decimals: %d", c.Chain.TokenDecimals)
	}
	if c.Chain.GasLimitMultiplier < 1 || c.Chain.GasLimitMultiplier > 5 {
		return fmt.Errorf("gas_limit_multiplier must be between 1 and 5, got %.2f", c.Chain.GasLimitMultiplier)
	}
	if c.Chain.MaxFeePerGasGwei < 0 {
		return fmt.Errorf("invalid max_fee_per_gas_gwei: %d", c.Chain.MaxFeePerGasGwei)
	}
	if c.Chain.BlockConfirmations < 0 {
		return fmt.Errorf("invalid block_confirmations: %d", c.Chain.BlockConfirmations)
	}
	if !c.Chain.MockMode {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("rpc_url is required when mock_mode is false")
		}
		if err := validateEthAddress("staking_address", c.Chain.StakingAddress); err != nil {
			return err
		}
	}

	// Rewards validation
	if c.Rewards.PollInterval < time.Second {
		return fmt.Errorf("poll_interval must be at least 1s, got %s", c.Rewards.PollInterval)
	}
	if c.Rewards.FetchTimeout <= 0 {
		return fmt.Errorf("fetch_timeout must be positive, got %s", c.Rewards.FetchTimeout)
	}

	// API validation
	if c.API.RateLimit < 0 || c.API.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	if c.API.MetricsPath != "" {
		if !strings.HasPrefix(c.API.MetricsPath, "/") {
			return fmt.Errorf("metrics_path must start with /, got %q", c.API.MetricsPath)
		}
		if strings.HasPrefix(c.API.MetricsPath, "/v1/") || c.API.MetricsPath == "/health" {
			return fmt.Errorf("metrics_path %q collides with an API route", c.API.MetricsPath)
		}
	}

	return nil
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required when mock_mode is false", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if strings.Trim(hexPart, "0") == "" {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Wallet.KeystoreDir = expandPath(c.Wallet.KeystoreDir)
	c.Wallet.PasswordFile = expandPath(c.Wallet.PasswordFile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".rewardclaim", "config.yaml")
}
