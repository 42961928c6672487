// Package config loads the service configuration from a YAML file with
// environment overrides. Environment variables use the ACCTSYNC_ prefix and
// win over file values, so deployments can keep secrets out of the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use the "2s"/"500ms" form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and locates the local store.
type StorageConfig struct {
	// Driver is "sqlite" or "duckdb".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// APIConfig tunes the remote API client.
type APIConfig struct {
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	MaxRetries        uint64   `yaml:"max_retries"`
	InitialBackoff    Duration `yaml:"initial_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`
}

// SyncConfig tunes gap detection.
type SyncConfig struct {
	SameInstantRefetchLimit int      `yaml:"same_instant_refetch_limit"`
	ForexSymbols            []string `yaml:"forex_symbols"`
	ConvertTo               string   `yaml:"convert_to"`
	CandlesTimeframe        string   `yaml:"candles_timeframe"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// File enables rotating file output when set.
	File string `yaml:"file"`

	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`
	MaxAgeDays int `yaml:"max_age_days"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "acctsync.db",
		},
		API: APIConfig{
			RequestsPerSecond: 2.0,
			Burst:             3,
			MaxRetries:        5,
			InitialBackoff:    Duration(time.Second),
			MaxBackoff:        Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			SameInstantRefetchLimit: 100,
			ForexSymbols:            []string{"USD", "EUR", "GBP", "JPY"},
			ConvertTo:               "USD",
			CandlesTimeframe:        "1D",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads the configuration file at path, falling back to defaults when
// path is empty or the file does not exist, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "duckdb":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("missing storage path")
	}
	if c.API.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be positive")
	}
	if c.Sync.SameInstantRefetchLimit <= 0 {
		return fmt.Errorf("same_instant_refetch_limit must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("ACCTSYNC_STORAGE_DRIVER", &cfg.Storage.Driver)
	setString("ACCTSYNC_STORAGE_PATH", &cfg.Storage.Path)
	setString("ACCTSYNC_LOG_LEVEL", &cfg.Logging.Level)
	setString("ACCTSYNC_LOG_FORMAT", &cfg.Logging.Format)
	setString("ACCTSYNC_LOG_FILE", &cfg.Logging.File)
	setString("ACCTSYNC_CONVERT_TO", &cfg.Sync.ConvertTo)
	setString("ACCTSYNC_CANDLES_TIMEFRAME", &cfg.Sync.CandlesTimeframe)

	if v := os.Getenv("ACCTSYNC_API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.API.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("ACCTSYNC_API_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.API.MaxRetries = n
		}
	}
	if v := os.Getenv("ACCTSYNC_FOREX_SYMBOLS"); v != "" {
		parts := strings.Split(v, ",")
		symbols := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				symbols = append(symbols, p)
			}
		}
		cfg.Sync.ForexSymbols = symbols
	}
}
