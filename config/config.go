package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Environment variables that override file values.
const (
	EnvEnvironment = "SHOPCHAIN_ENV"
	EnvIndexDSN    = "SHOPCHAIN_INDEX_DSN"
)

type Config struct {
	Environment string    `toml:"Environment"`
	DataDir     string    `toml:"DataDir"`
	Backend     string    `toml:"Backend"`
	GenesisFile string    `toml:"GenesisFile"`
	Rent        Rent      `toml:"rent"`
	Gateway     Gateway   `toml:"gateway"`
	Logging     Logging   `toml:"logging"`
	Telemetry   Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path. A missing file is
// replaced by the defaults, which are written back so operators have a
// starting point to edit.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyEnv()
	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Environment: "local",
		DataDir:     "./shopchain-data",
		Backend:     BackendLevelDB,
		Rent: Rent{
			LamportsPerByteYear: 3480,
			ExemptionYears:      2,
		},
		Gateway: Gateway{
			ListenAddress:    ":8080",
			IndexDriver:      IndexDriverSQLite,
			IndexDSN:         "file:shopchain-index.db?cache=shared",
			RateLimitPerSec:  20,
			RateLimitBurst:   40,
			ReadTimeoutSecs:  10,
			WriteTimeoutSecs: 10,

			IndexWriteTimeoutSecs: 5,
		},
		Logging: Logging{Level: "info"},
		Telemetry: Telemetry{
			ServiceName: "shopchaind",
			Endpoint:    "localhost:4318",
		},
	}
}

func (c *Config) applyEnv() {
	if env := strings.TrimSpace(os.Getenv(EnvEnvironment)); env != "" {
		c.Environment = env
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvIndexDSN)); dsn != "" {
		c.Gateway.IndexDSN = dsn
	}
}

// resolvePaths anchors relative file paths at the config file's directory.
func (c *Config) resolvePaths(base string) {
	if base == "" || base == "." {
		return
	}
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.DataDir = anchor(c.DataDir)
	c.GenesisFile = anchor(c.GenesisFile)
	c.Logging.File = anchor(c.Logging.File)
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
