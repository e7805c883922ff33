package config

import "time"

// Ledger storage backends.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// Deal index database drivers.
const (
	IndexDriverPostgres = "postgres"
	IndexDriverSQLite   = "sqlite"
)

// Rent prices account storage; see state.Rent.
type Rent struct {
	LamportsPerByteYear uint64 `toml:"LamportsPerByteYear"`
	ExemptionYears      uint64 `toml:"ExemptionYears"`
}

// Gateway configures the REST gateway and its deal index.
type Gateway struct {
	Enabled          bool    `toml:"Enabled"`
	ListenAddress    string  `toml:"ListenAddress"`
	IndexDriver      string  `toml:"IndexDriver"`
	IndexDSN         string  `toml:"IndexDSN"`
	RateLimitPerSec  float64 `toml:"RateLimitPerSec"`
	RateLimitBurst   int     `toml:"RateLimitBurst"`
	ReadTimeoutSecs  int     `toml:"ReadTimeoutSecs"`
	WriteTimeoutSecs int     `toml:"WriteTimeoutSecs"`
	// IndexWriteTimeoutSecs bounds each index write made while a
	// transaction still holds its account locks.
	IndexWriteTimeoutSecs int `toml:"IndexWriteTimeoutSecs"`
}

// ReadTimeout returns the HTTP read timeout.
func (g Gateway) ReadTimeout() time.Duration {
	return time.Duration(g.ReadTimeoutSecs) * time.Second
}

// WriteTimeout returns the HTTP write timeout.
func (g Gateway) WriteTimeout() time.Duration {
	return time.Duration(g.WriteTimeoutSecs) * time.Second
}

// IndexWriteTimeout returns the bound on a single index write.
func (g Gateway) IndexWriteTimeout() time.Duration {
	return time.Duration(g.IndexWriteTimeoutSecs) * time.Second
}

// Logging selects the log level and an optional rotating file.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry wires the OTLP exporters.
type Telemetry struct {
	ServiceName string  `toml:"ServiceName"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Traces      bool    `toml:"Traces"`
	Metrics     bool    `toml:"Metrics"`
	SampleRatio float64 `toml:"SampleRatio"`
}
