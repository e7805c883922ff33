package config

import (
	"fmt"
	"strings"
)

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLevelDB, BackendBolt:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("config: DataDir required for %s backend", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown Backend %q", c.Backend)
	}
	if c.Rent.LamportsPerByteYear == 0 {
		return fmt.Errorf("rent: LamportsPerByteYear must be positive")
	}
	if c.Rent.ExemptionYears == 0 {
		return fmt.Errorf("rent: ExemptionYears must be positive")
	}
	if c.Gateway.Enabled {
		if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
			return fmt.Errorf("gateway: ListenAddress required")
		}
		switch c.Gateway.IndexDriver {
		case IndexDriverPostgres, IndexDriverSQLite:
		default:
			return fmt.Errorf("gateway: unknown IndexDriver %q", c.Gateway.IndexDriver)
		}
		if strings.TrimSpace(c.Gateway.IndexDSN) == "" {
			return fmt.Errorf("gateway: IndexDSN required")
		}
		if c.Gateway.RateLimitPerSec < 0 || c.Gateway.RateLimitBurst < 0 {
			return fmt.Errorf("gateway: rate limits must not be negative")
		}
		if c.Gateway.IndexWriteTimeoutSecs < 0 {
			return fmt.Errorf("gateway: IndexWriteTimeoutSecs must not be negative")
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0, 1]")
	}
	return nil
}
