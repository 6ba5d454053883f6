package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "merkledrop-local", cfg.NetworkName)
	require.Equal(t, 256, cfg.Merkledrop.MaxBatchSize)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config to be written: %v", err)
	}

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadParsesSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `DataDir = "/var/lib/merkledrop"
NetworkName = "testnet"
Environment = "staging"

[Logging]
Level = "DEBUG"
File = "merkledrop.log"

[Telemetry]
Traces = true
ServiceName = "dropd"

[Merkledrop]
MaxBatchSize = 32
MaxProofDepth = 40
MaxRangeSpan = 512
Paused = true

[[Merkledrop.Assets]]
Symbol = "drop"
Name = "Drop"
Decimals = 18

[[Merkledrop.Assets]]
Symbol = "GOV"
Name = "Governance"
Decimals = 6

[Journal]
Enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/merkledrop", cfg.DataDir)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 100, cfg.Logging.MaxSizeMB)
	require.True(t, cfg.Telemetry.Traces)
	require.Equal(t, "localhost:4318", cfg.Telemetry.Endpoint)
	require.Equal(t, 32, cfg.Merkledrop.MaxBatchSize)
	require.Equal(t, uint64(512), cfg.Merkledrop.MaxRangeSpan)
	require.Equal(t, 2000, cfg.Merkledrop.DispatchWaitMS)
	require.True(t, cfg.Merkledrop.Paused)
	require.Len(t, cfg.Merkledrop.Assets, 2)
	require.Equal(t, uint8(6), cfg.Merkledrop.Assets[1].Decimals)
	require.False(t, cfg.Journal.Enabled)
	require.Equal(t, "/var/lib/merkledrop/journal.db", cfg.ResolvePath(cfg.Journal.Path))
	require.Equal(t, "/tmp/x.db", cfg.ResolvePath("/tmp/x.db"))
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("ListenAddress = \":6001\"\n"), 0o644))

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "ListenAddress") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"empty data dir": func(c *Config) { c.DataDir = " " },
		"bad level":      func(c *Config) { c.Logging.Level = "loud" },
		"zero batch":     func(c *Config) { c.Merkledrop.MaxBatchSize = 0 },
		"deep proofs":    func(c *Config) { c.Merkledrop.MaxProofDepth = MaxProofDepthLimit + 1 },
		"zero range":     func(c *Config) { c.Merkledrop.MaxRangeSpan = 0 },
		"dispatch wait":  func(c *Config) { c.Merkledrop.DispatchWaitMS = -1 },
		"duplicate asset": func(c *Config) {
			c.Merkledrop.Assets = append(c.Merkledrop.Assets, Asset{Symbol: "drop", Name: "again"})
		},
		"unnamed asset":     func(c *Config) { c.Merkledrop.Assets = []Asset{{Symbol: "GOV"}} },
		"journal path":      func(c *Config) { c.Journal.Path = "" },
		"telemetry service": func(c *Config) { c.Telemetry.Metrics = true; c.Telemetry.ServiceName = "" },
		"sample ratio":      func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
		"webhook secret":    func(c *Config) { c.Webhook.Endpoint = "https://hooks.example" },
		"webhook rate":      func(c *Config) { c.Webhook.RatePerSecond = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}
