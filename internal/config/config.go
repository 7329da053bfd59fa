// Package config loads the service configuration from config/bounty_layer.yaml
// with environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Chain    ChainConfig    `yaml:"chain"`
	Bounty   BountyConfig   `yaml:"bounty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
}

// DatabaseConfig selects the persistence backend. An empty DSN selects the
// in-memory store, used for development and tests.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the optional leaderboard cache. An empty address
// disables caching.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ChainConfig configures the escrow contract connection. PrivateKey is
// never read from the file; it comes from CHAIN_PRIVATE_KEY.
type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	ContractAddress string        `yaml:"contract_address"`
	ChainID         int64         `yaml:"chain_id"`
	GasLimit        uint64        `yaml:"gas_limit"`
	Confirmations   uint64        `yaml:"confirmations"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PrivateKey      string        `yaml:"-"`
}

// BountyConfig bounds bounty amounts and schedules maintenance work.
// Amounts are decimal strings in the token's smallest unit.
type BountyConfig struct {
	MinAmount        string        `yaml:"min_amount"`
	MaxAmount        string        `yaml:"max_amount"`
	TokenAddress     string        `yaml:"token_address"`
	DeadlineWindow   time.Duration `yaml:"deadline_window"`
	SweepSchedule    string        `yaml:"sweep_schedule"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// Load reads config/bounty_layer.yaml, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "bounty_layer.yaml"))
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment are enough for development.
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Chain: ChainConfig{
			GasLimit:       3_000_000,
			Confirmations:  1,
			ConfirmTimeout: 90 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Bounty: BountyConfig{
			MinAmount:        "1000000000000000",          // 0.001 ether
			MaxAmount:        "1000000000000000000000",    // 1000 ether
			DeadlineWindow:   7 * 24 * time.Hour,
			SweepSchedule:    "@every 5m",
			RecoveryInterval: 15 * time.Second,
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CHAIN_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("CHAIN_CONTRACT_ADDRESS"); v != "" {
		c.Chain.ContractAddress = v
	}
	c.Chain.PrivateKey = os.Getenv("CHAIN_PRIVATE_KEY")
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server: addr is required")
	}
	if c.Chain.RPCURL != "" {
		if c.Chain.ContractAddress == "" {
			return fmt.Errorf("chain: contract_address is required when rpc_url is set")
		}
		if c.Chain.PrivateKey == "" {
			return fmt.Errorf("chain: CHAIN_PRIVATE_KEY is required when rpc_url is set")
		}
		if c.Chain.ChainID == 0 {
			return fmt.Errorf("chain: chain_id is required when rpc_url is set")
		}
	}
	return nil
}
