package config

// Logging selects the log level and optional rotated file output.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry controls the OTLP exporters. Both signals are off by default.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	ServiceName string  `toml:"ServiceName"`
	SampleRatio float64 `toml:"SampleRatio"`
}

// Asset is a token registered in state on first start.
type Asset struct {
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Decimals uint8  `toml:"Decimals"`
}

// Merkledrop bounds the work a single registry or ledger call may request.
type Merkledrop struct {
	MaxBatchSize  int    `toml:"MaxBatchSize"`
	MaxProofDepth int    `toml:"MaxProofDepth"`
	MaxRangeSpan  uint64 `toml:"MaxRangeSpan"`
	// DispatchWaitMS bounds lock waits while a dispatch callback is running.
	DispatchWaitMS int     `toml:"DispatchWaitMS"`
	Paused         bool    `toml:"Paused"`
	Assets         []Asset `toml:"Assets"`
}

// Journal configures the sqlite audit journal of emitted events.
type Journal struct {
	Enabled bool   `toml:"Enabled"`
	Path    string `toml:"Path"`
}

// Storage tunes the LevelDB backend.
type Storage struct {
	CacheMB int `toml:"CacheMB"`
	Handles int `toml:"Handles"`
}

// Webhook posts emitted events to an HTTP endpoint. The signing secret is
// read from the environment variable named by SecretEnv.
type Webhook struct {
	Endpoint  string   `toml:"Endpoint"`
	SecretEnv string   `toml:"SecretEnv"`
	Events    []string `toml:"Events"`
	// RatePerSecond caps deliveries; zero disables throttling.
	RatePerSecond float64 `toml:"RatePerSecond"`
	Burst         int     `toml:"Burst"`
}
