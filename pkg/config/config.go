// Package config implements the engine's TOML configuration, grounded
// on blockberries-blockberry/config/config.go's struct-of-structs
// pattern, DefaultConfig/LoadConfig/Validate trio, and Duration helper.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level engine configuration, per SPEC_FULL.md §2's
// recognized sections.
type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Bloom       BloomConfig       `toml:"bloom"`
	ResultCache ResultCacheConfig `toml:"resultcache"`
	Store       StoreConfig       `toml:"store"`
	Logging     LoggingConfig     `toml:"logging"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

// EngineConfig holds the scheduler/engine tunables named in spec.md §6.
type EngineConfig struct {
	// WorkerCount is the number of virtual workers. DefaultConfig sets it
	// to the logical CPU count; Validate rejects values below 1.
	WorkerCount int `toml:"worker_count"`

	// MempoolWorkers is M, the number of parallel mempool buffered
	// stores CheckTx is distributed across.
	MempoolWorkers int `toml:"mempool_workers"`

	// GasCeilingPerTx is the per-transition gas budget; 0 means
	// unmetered.
	GasCeilingPerTx uint64 `toml:"gas_ceiling_per_tx"`

	// EnableAxiomA3 turns on the optional write-skew concurrency axiom.
	EnableAxiomA3 bool `toml:"enable_axiom_a3"`

	// EnableSpeculativeDiscovery turns on mid-execution conflict
	// detection for discovery-mode transitions.
	EnableSpeculativeDiscovery bool `toml:"enable_speculative_discovery"`
}

// BloomConfig holds the scheduler's Bloom-filter pre-check parameters.
type BloomConfig struct {
	Bits   uint64 `toml:"bits"`
	Hashes uint32 `toml:"hashes"`
}

// ResultCacheConfig holds the replay cache's capacity.
type ResultCacheConfig struct {
	Capacity int `toml:"capacity"`
}

// StoreConfig selects and configures the L0 backing engine.
type StoreConfig struct {
	// Backend is one of "badger", "leveldb", "memory".
	Backend string `toml:"backend"`

	// Path is the on-disk directory for a durable backend; ignored for
	// "memory".
	Path string `toml:"path"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// Format is one of "text", "json".
	Format string `toml:"format"`

	// Output is one of "stdout", "stderr".
	Output string `toml:"output"`
}

// MetricsConfig controls whether and where Prometheus metrics are
// exposed.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	Namespace  string `toml:"namespace"`
	ListenAddr string `toml:"listen_addr"`
}

// Duration adapts time.Duration for TOML's text (un)marshaling, mirroring
// config.Duration in the teacher repo.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns sensible defaults, matching spec.md §6's stated
// defaults (A3 and speculative discovery off, M=1, worker_count = the
// logical CPU count).
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			WorkerCount:    runtime.NumCPU(),
			MempoolWorkers: 1,
		},
		Bloom: BloomConfig{
			Bits:   4096,
			Hashes: 4,
		},
		ResultCache: ResultCacheConfig{
			Capacity: 10000,
		},
		Store: StoreConfig{
			Backend: "memory",
			Path:    "data/state",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Namespace:  "statengine",
			ListenAddr: ":9090",
		},
	}
}

// LoadConfig reads and parses a TOML file at path, filling any absent
// fields with DefaultConfig's values, then validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validation errors.
var (
	ErrInvalidWorkerCount     = errors.New("engine.worker_count must be positive")
	ErrInvalidMempoolWorkers  = errors.New("engine.mempool_workers must be positive")
	ErrInvalidBloomBits       = errors.New("bloom.bits must be positive")
	ErrInvalidBloomHashes     = errors.New("bloom.hashes must be positive")
	ErrInvalidCacheCapacity   = errors.New("resultcache.capacity must be positive")
	ErrInvalidStoreBackend    = errors.New("store.backend must be one of: badger, leveldb, memory")
	ErrEmptyStorePath         = errors.New("store.path cannot be empty for a durable backend")
	ErrInvalidLogLevel        = errors.New("logging.level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat       = errors.New("logging.format must be 'text' or 'json'")
	ErrEmptyMetricsNamespace  = errors.New("metrics.namespace cannot be empty when enabled")
	ErrEmptyMetricsListenAddr = errors.New("metrics.listen_addr cannot be empty when enabled")
)

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Engine.WorkerCount <= 0 {
		return ErrInvalidWorkerCount
	}
	if c.Engine.MempoolWorkers <= 0 {
		return ErrInvalidMempoolWorkers
	}
	if c.Bloom.Bits == 0 {
		return ErrInvalidBloomBits
	}
	if c.Bloom.Hashes == 0 {
		return ErrInvalidBloomHashes
	}
	if c.ResultCache.Capacity <= 0 {
		return ErrInvalidCacheCapacity
	}
	switch c.Store.Backend {
	case "badger", "leveldb":
		if c.Store.Path == "" {
			return ErrEmptyStorePath
		}
	case "memory":
	default:
		return ErrInvalidStoreBackend
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}
	if c.Metrics.Enabled {
		if c.Metrics.Namespace == "" {
			return ErrEmptyMetricsNamespace
		}
		if c.Metrics.ListenAddr == "" {
			return ErrEmptyMetricsListenAddr
		}
	}
	return nil
}
