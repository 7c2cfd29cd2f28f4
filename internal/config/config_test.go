package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadDefaultConfigFileMatchesDefault(t *testing.T) {
	cfg, err := Load("../../" + DefaultConfigPath)
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults file differs from Default() (-want +got):\n%s", diff)
	}
}

func TestLoadExampleConfigFile(t *testing.T) {
	cfg, err := Load("../../config/autoflux.example.json")
	if err != nil {
		t.Fatalf("Failed to load example: %v", err)
	}
	if cfg.Orchestrator.UpdateRateHz != 20 {
		t.Errorf("UpdateRateHz = %v, want 20", cfg.Orchestrator.UpdateRateHz)
	}
	if cfg.Control.Mode != vehicle.ModeManual {
		t.Errorf("Mode = %s, want manual", cfg.Control.Mode)
	}
	if cfg.Actuation.Port != "/dev/ttyACM0" || cfg.Actuation.AckTimeout.Std() != 15*time.Millisecond {
		t.Errorf("Actuation = %+v", cfg.Actuation)
	}
	// Omitted sections keep their defaults.
	if cfg.Orchestrator.SensorBudgetFraction != 0.6 || len(cfg.Sensors) != 6 {
		t.Errorf("defaults not kept: budget=%v sensors=%d", cfg.Orchestrator.SensorBudgetFraction, len(cfg.Sensors))
	}
}

func TestLoadPartial(t *testing.T) {
	path := writeConfig(t, "partial.json", `{"diagnostics": {"max_consecutive_failures": 5}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.Diagnostics.MaxConsecutiveFailures = 5
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("partial config (-want +got):\n%s", diff)
	}
}

func TestLoadSensorsReplaceDefaults(t *testing.T) {
	path := writeConfig(t, "sensors.json", `{"sensors": [{"id": "front_radar", "kind": "radar", "enabled": true}]}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Sensors) != 1 {
		t.Fatalf("len(Sensors) = %d, want 1", len(cfg.Sensors))
	}
	s := cfg.Sensors[0]
	if s.ID != "front_radar" || s.Kind != vehicle.SensorRadar || s.SafetyCritical || s.Limits != nil {
		t.Errorf("sensor merged with defaults: %+v", s)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantMsg string
	}{
		{"wrong extension", "cfg.yaml", `{}`, "must have .json extension"},
		{"malformed", "bad.json", `{"orchestrator": `, "failed to parse"},
		{"bad duration", "dur.json", `{"orchestrator": {"actuation_timeout": 10}}`, "failed to parse"},
		{"bad rate", "rate.json", `{"orchestrator": {"update_rate_hz": 0}}`, "orchestrator"},
		{"bad log level", "log.json", `{"log_level": "loud"}`, "log_level"},
		{"emergency start mode", "mode.json", `{"control": {"mode": "emergency"}}`, "control"},
		{"duplicate sensor", "dupe.json", `{"sensors": [{"id": "a", "kind": "gps"}, {"id": "a", "kind": "imu"}]}`, "duplicate"},
		{"bad bitrate", "can.json", `{"actuation": {"bitrate": "S9"}}`, "actuation"},
		{"bad parity", "parity.json", `{"actuation": {"port": "/dev/ttyUSB0", "serial": {"parity": "X"}}}`, "actuation: serial: unsupported parity"},
		{"retention without prune", "store.json", `{"storage": {"prune_interval": "0s"}}`, "prune_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, vehicle.ErrConfigurationInvalid) {
				t.Errorf("error %v does not wrap ErrConfigurationInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadMissingAndTooLarge(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, vehicle.ErrConfigurationInvalid) {
		t.Errorf("missing file error = %v", err)
	}

	big := writeConfig(t, "big.json", `{"log_level": "info"}`+strings.Repeat(" ", maxFileSize))
	_, err := Load(big)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("large file error = %v", err)
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.Orchestrator.UpdateRateHz != 30 {
		t.Errorf("UpdateRateHz = %v", cfg.Orchestrator.UpdateRateHz)
	}
}
