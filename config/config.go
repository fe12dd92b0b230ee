// Package config loads service configuration from a TOML file with
// environment-variable overrides, so deployments can ship a base file
// and tweak endpoints per environment.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ckbpop/crypto"
)

const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Config is the full service configuration.
type Config struct {
	ListenAddress   string   `toml:"ListenAddress"`
	Environment     string   `toml:"Environment"`
	LogLevel        string   `toml:"LogLevel"`
	Network         string   `toml:"Network"`
	NodeRPCURL      string   `toml:"NodeRPCURL"`
	RPCTimeout      duration `toml:"RPCTimeout"`
	DatabasePath    string   `toml:"DatabasePath"`
	BadgeCodeHash   string   `toml:"BadgeCodeHash"`
	SweepInterval   duration `toml:"SweepInterval"`
	ReplayRetention duration `toml:"ReplayRetention"`
	QRRatePerSecond float64  `toml:"QRRatePerSecond"`
	QRRateBurst     int      `toml:"QRRateBurst"`
}

// duration lets TOML and env values use Go duration syntax ("15s", "24h").
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Duration() time.Duration { return time.Duration(d) }

func defaults() *Config {
	return &Config{
		ListenAddress:   ":8090",
		LogLevel:        "info",
		Network:         NetworkTestnet,
		NodeRPCURL:      "http://127.0.0.1:8114",
		RPCTimeout:      duration(10 * time.Second),
		DatabasePath:    "ckbpop.db",
		SweepInterval:   duration(15 * time.Second),
		ReplayRetention: duration(24 * time.Hour),
		QRRatePerSecond: 5,
		QRRateBurst:     10,
	}
}

// Load reads the config file at path (skipped when path is empty or the
// file does not exist), applies CKBPOP_* environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := envString("CKBPOP_LISTEN"); v != "" {
		c.ListenAddress = v
	}
	if v := envString("CKBPOP_ENV"); v != "" {
		c.Environment = v
	}
	if v := envString("CKBPOP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := envString("CKBPOP_NETWORK"); v != "" {
		c.Network = v
	}
	if v := envString("CKBPOP_NODE_RPC_URL"); v != "" {
		c.NodeRPCURL = v
	}
	if v := envString("CKBPOP_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := envString("CKBPOP_BADGE_CODE_HASH"); v != "" {
		c.BadgeCodeHash = v
	}
	if v := envString("CKBPOP_RPC_TIMEOUT"); v != "" {
		if err := c.RPCTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("CKBPOP_RPC_TIMEOUT: %w", err)
		}
	}
	if v := envString("CKBPOP_SWEEP_INTERVAL"); v != "" {
		if err := c.SweepInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("CKBPOP_SWEEP_INTERVAL: %w", err)
		}
	}
	if v := envString("CKBPOP_REPLAY_RETENTION"); v != "" {
		if err := c.ReplayRetention.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("CKBPOP_REPLAY_RETENTION: %w", err)
		}
	}
	if v := envString("CKBPOP_QR_RATE_PER_SECOND"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CKBPOP_QR_RATE_PER_SECOND: %w", err)
		}
		c.QRRatePerSecond = rate
	}
	if v := envString("CKBPOP_QR_RATE_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CKBPOP_QR_RATE_BURST: %w", err)
		}
		c.QRRateBurst = burst
	}
	return nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate checks the configuration for values the service cannot start
// without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.Network != NetworkMainnet && c.Network != NetworkTestnet {
		return fmt.Errorf("config: network must be %q or %q, got %q", NetworkMainnet, NetworkTestnet, c.Network)
	}
	if strings.TrimSpace(c.NodeRPCURL) == "" {
		return fmt.Errorf("config: node rpc url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: database path is required")
	}
	hash := strings.TrimPrefix(strings.TrimSpace(c.BadgeCodeHash), "0x")
	if raw, err := hex.DecodeString(hash); err != nil || len(raw) != 32 {
		return fmt.Errorf("config: badge code hash must be 32 bytes of hex")
	}
	if c.RPCTimeout.Duration() <= 0 {
		return fmt.Errorf("config: rpc timeout must be positive")
	}
	if c.QRRatePerSecond <= 0 || c.QRRateBurst <= 0 {
		return fmt.Errorf("config: qr rate limit must be positive")
	}
	return nil
}

// AddressPrefix maps the configured network to its address prefix.
func (c *Config) AddressPrefix() crypto.Prefix {
	if c.Network == NetworkMainnet {
		return crypto.MainnetPrefix
	}
	return crypto.TestnetPrefix
}
