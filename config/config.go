package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir     string     `toml:"DataDir"`
	NetworkName string     `toml:"NetworkName"`
	Environment string     `toml:"Environment"`
	Logging     Logging    `toml:"Logging"`
	Telemetry   Telemetry  `toml:"Telemetry"`
	Merkledrop  Merkledrop `toml:"Merkledrop"`
	Journal     Journal    `toml:"Journal"`
	Storage     Storage    `toml:"Storage"`
	Webhook     Webhook    `toml:"Webhook"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		DataDir:     "./merkledrop-data",
		NetworkName: "merkledrop-local",
		Environment: "local",
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Telemetry: Telemetry{
			Endpoint:    "localhost:4318",
			ServiceName: "merkledrop",
		},
		Merkledrop: Merkledrop{
			MaxBatchSize:   256,
			MaxProofDepth:  64,
			MaxRangeSpan:   4096,
			DispatchWaitMS: 2000,
			Assets: []Asset{
				{Symbol: "DROP", Name: "Drop Token", Decimals: 18},
			},
		},
		Journal: Journal{
			Enabled: true,
			Path:    "journal.db",
		},
		Storage: Storage{
			CacheMB: 16,
			Handles: 16,
		},
		Webhook: Webhook{
			SecretEnv: "MERKLEDROP_WEBHOOK_SECRET",
			Events:    []string{},
		},
	}
}

// Load loads the configuration from the given path, writing the defaults
// there first if the file does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Merkledrop.Assets = nil
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown field %s", path, undecoded[0])
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "merkledrop-local"
	}
	if cfg.Merkledrop.Assets == nil {
		cfg.Merkledrop.Assets = []Asset{}
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath joins a relative path onto DataDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
