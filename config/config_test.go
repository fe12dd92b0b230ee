package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ckbpop/crypto"
)

const testCodeHash = "0x9bd7e06f3ecf4be0f2fcd2188b23f1b9fcc88e5d4b65a8637b17723bbda3cce8"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CKBPOP_BADGE_CODE_HASH", testCodeHash)

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != ":8090" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.Network != NetworkTestnet {
		t.Fatalf("network = %q", cfg.Network)
	}
	if cfg.SweepInterval.Duration() != 15*time.Second {
		t.Fatalf("sweep interval = %v", cfg.SweepInterval.Duration())
	}
	if cfg.ReplayRetention.Duration() != 24*time.Hour {
		t.Fatalf("replay retention = %v", cfg.ReplayRetention.Duration())
	}
	if cfg.AddressPrefix() != crypto.TestnetPrefix {
		t.Fatalf("prefix = %q", cfg.AddressPrefix())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := strings.Join([]string{
		`ListenAddress = ":9000"`,
		`Network = "mainnet"`,
		`NodeRPCURL = "http://node:8114"`,
		`BadgeCodeHash = "` + testCodeHash + `"`,
		`SweepInterval = "30s"`,
	}, "\n")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen = %q", cfg.ListenAddress)
	}
	if cfg.Network != NetworkMainnet {
		t.Fatalf("network = %q", cfg.Network)
	}
	if cfg.AddressPrefix() != crypto.MainnetPrefix {
		t.Fatalf("prefix = %q", cfg.AddressPrefix())
	}
	if cfg.SweepInterval.Duration() != 30*time.Second {
		t.Fatalf("sweep interval = %v", cfg.SweepInterval.Duration())
	}
	// Untouched fields keep their defaults.
	if cfg.QRRateBurst != 10 {
		t.Fatalf("qr burst = %d", cfg.QRRateBurst)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `ListenAddress = ":9000"` + "\n" + `BadgeCodeHash = "` + testCodeHash + `"`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CKBPOP_LISTEN", ":7777")
	t.Setenv("CKBPOP_REPLAY_RETENTION", "48h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != ":7777" {
		t.Fatalf("env should win over file, got %q", cfg.ListenAddress)
	}
	if cfg.ReplayRetention.Duration() != 48*time.Hour {
		t.Fatalf("replay retention = %v", cfg.ReplayRetention.Duration())
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg := defaults()
		cfg.BadgeCodeHash = testCodeHash
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad network", func(c *Config) { c.Network = "devnet" }},
		{"missing node url", func(c *Config) { c.NodeRPCURL = " " }},
		{"missing database path", func(c *Config) { c.DatabasePath = "" }},
		{"short code hash", func(c *Config) { c.BadgeCodeHash = "0x1234" }},
		{"non-hex code hash", func(c *Config) { c.BadgeCodeHash = "0x" + strings.Repeat("zz", 32) }},
		{"zero timeout", func(c *Config) { c.RPCTimeout = 0 }},
		{"zero qr rate", func(c *Config) { c.QRRatePerSecond = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("baseline config should validate: %v", err)
	}
}

func TestBadEnvDuration(t *testing.T) {
	t.Setenv("CKBPOP_BADGE_CODE_HASH", testCodeHash)
	t.Setenv("CKBPOP_SWEEP_INTERVAL", "soon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}
