// Package config loads the single JSON document that configures a vehicle:
// loop rate, sensors, diagnostics thresholds, control envelopes, policy
// tuning, the actuation link, storage and the API listener.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/autoflux/internal/actuation"
	"github.com/banshee-data/autoflux/internal/control"
	"github.com/banshee-data/autoflux/internal/diagnostics"
	"github.com/banshee-data/autoflux/internal/orchestrator"
	"github.com/banshee-data/autoflux/internal/policy"
	"github.com/banshee-data/autoflux/internal/sensors"
	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// DefaultConfigPath is the canonical defaults file, relative to the repo root.
const DefaultConfigPath = "config/autoflux.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

type StorageConfig struct {
	// Path is the SQLite file for diagnostic history. Empty disables storage.
	Path string `json:"path"`
	// Retention bounds the age of persisted reports. Zero keeps everything.
	Retention     timeutil.Duration `json:"retention"`
	PruneInterval timeutil.Duration `json:"prune_interval"`
	WriterBuffer  int               `json:"writer_buffer"`
}

type APIConfig struct {
	// Listen is the HTTP listen address. Empty disables the API.
	Listen string `json:"listen"`
}

type Config struct {
	LogLevel     string                 `json:"log_level"`
	Orchestrator orchestrator.Config    `json:"orchestrator"`
	Sensors      []sensors.SensorConfig `json:"sensors"`
	Diagnostics  diagnostics.Config     `json:"diagnostics"`
	Control      control.Config         `json:"control"`
	Policy       policy.Config          `json:"policy"`
	Actuation    actuation.SLCANConfig  `json:"actuation"`
	Storage      StorageConfig          `json:"storage"`
	API          APIConfig              `json:"api"`
}

// Default returns the reference vehicle configuration. It matches
// DefaultConfigPath.
func Default() Config {
	return Config{
		LogLevel:     "info",
		Orchestrator: orchestrator.DefaultConfig(),
		Sensors:      sensors.DefaultSensors(),
		Diagnostics:  diagnostics.DefaultConfig(),
		Control:      control.DefaultConfig(),
		Policy:       policy.DefaultConfig(),
		Actuation:    actuation.DefaultSLCANConfig(),
		Storage: StorageConfig{
			Path:          "autoflux.db",
			Retention:     timeutil.Duration(24 * time.Hour),
			PruneInterval: timeutil.Duration(10 * time.Minute),
			WriterBuffer:  256,
		},
		API: APIConfig{Listen: "localhost:8080"},
	}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be under 1MB. Fields omitted from the file keep their defaults; a
// sensors list, when present, replaces the default list as a whole.
// All errors wrap vehicle.ErrConfigurationInvalid.
func Load(path string) (Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return Config{}, fmt.Errorf("%w: config file must have .json extension, got %q", vehicle.ErrConfigurationInvalid, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("%w: failed to stat config file: %w", vehicle.ErrConfigurationInvalid, err)
	}
	if fileInfo.Size() > maxFileSize {
		return Config{}, fmt.Errorf("%w: config file too large: %d bytes (max %d)", vehicle.ErrConfigurationInvalid, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return Config{}, fmt.Errorf("%w: failed to read config file: %w", vehicle.ErrConfigurationInvalid, err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON document over Default().
func Parse(data []byte) (Config, error) {
	cfg := Default()
	// A configured sensor list replaces the defaults rather than merging
	// into their elements.
	cfg.Sensors = nil
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config JSON: %w", vehicle.ErrConfigurationInvalid, err)
	}
	if cfg.Sensors == nil {
		cfg.Sensors = sensors.DefaultSensors()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and reports the first failure.
func (c Config) Validate() error {
	wrap := func(section string, err error) error {
		return fmt.Errorf("%w: %s: %w", vehicle.ErrConfigurationInvalid, section, err)
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return wrap("log_level", err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return wrap("orchestrator", err)
	}
	if err := sensors.Validate(c.Sensors); err != nil {
		return wrap("sensors", err)
	}
	if err := c.Diagnostics.Validate(); err != nil {
		return wrap("diagnostics", err)
	}
	if err := c.Control.Validate(); err != nil {
		return wrap("control", err)
	}
	if err := c.Policy.Validate(); err != nil {
		return wrap("policy", err)
	}
	if err := c.Actuation.Validate(); err != nil {
		return wrap("actuation", err)
	}
	if c.Storage.Retention < 0 || c.Storage.PruneInterval < 0 {
		return wrap("storage", fmt.Errorf("retention and prune_interval must be non-negative"))
	}
	if c.Storage.Retention > 0 && c.Storage.PruneInterval == 0 {
		return wrap("storage", fmt.Errorf("prune_interval is required when retention is set"))
	}
	if c.Storage.WriterBuffer < 0 {
		return wrap("storage", fmt.Errorf("writer_buffer must be non-negative"))
	}
	return nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. It panics if the file cannot be loaded and is intended
// for test setup.
func MustLoadDefaultConfig() Config {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}
