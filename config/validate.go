package config

import (
	"fmt"
	"strings"
)

var (
	MaxBatchSizeLimit  = 4096
	MaxProofDepthLimit = 256
	MaxRangeSpanLimit  = uint64(1 << 20)
)

var logLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must not be empty")
	}
	if _, ok := logLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))]; !ok {
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging: rotation settings must not be negative")
	}
	md := c.Merkledrop
	if md.MaxBatchSize <= 0 || md.MaxBatchSize > MaxBatchSizeLimit {
		return fmt.Errorf("merkledrop: MaxBatchSize must be in [1, %d]", MaxBatchSizeLimit)
	}
	if md.MaxProofDepth <= 0 || md.MaxProofDepth > MaxProofDepthLimit {
		return fmt.Errorf("merkledrop: MaxProofDepth must be in [1, %d]", MaxProofDepthLimit)
	}
	if md.MaxRangeSpan == 0 || md.MaxRangeSpan > MaxRangeSpanLimit {
		return fmt.Errorf("merkledrop: MaxRangeSpan must be in [1, %d]", MaxRangeSpanLimit)
	}
	if md.DispatchWaitMS < 0 {
		return fmt.Errorf("merkledrop: DispatchWaitMS must not be negative")
	}
	seen := make(map[string]struct{}, len(md.Assets))
	for i, asset := range md.Assets {
		symbol := strings.ToUpper(strings.TrimSpace(asset.Symbol))
		if symbol == "" {
			return fmt.Errorf("merkledrop: asset %d: symbol must not be empty", i)
		}
		if len(symbol) > 32 {
			return fmt.Errorf("merkledrop: asset %s: symbol longer than 32 bytes", symbol)
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("merkledrop: asset %s listed twice", symbol)
		}
		seen[symbol] = struct{}{}
		if strings.TrimSpace(asset.Name) == "" {
			return fmt.Errorf("merkledrop: asset %s: name must not be empty", symbol)
		}
	}
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Path) == "" {
		return fmt.Errorf("journal: Path required when enabled")
	}
	if c.Telemetry.Traces || c.Telemetry.Metrics {
		if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
			return fmt.Errorf("telemetry: ServiceName required when exporters are enabled")
		}
	}
	if strings.TrimSpace(c.Webhook.Endpoint) != "" && strings.TrimSpace(c.Webhook.SecretEnv) == "" {
		return fmt.Errorf("webhook: SecretEnv required when Endpoint is set")
	}
	if c.Webhook.RatePerSecond < 0 || c.Webhook.Burst < 0 {
		return fmt.Errorf("webhook: RatePerSecond and Burst must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be in [0, 1]")
	}
	return nil
}
