package sensors

import (
	"fmt"
	"time"

	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// DefaultExpectedPeriod is used for sensors that do not configure one.
const DefaultExpectedPeriod = timeutil.Duration(100 * time.Millisecond)

// Limit is an inclusive sanity range for one reading value.
type Limit struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SensorConfig describes one configured sensor.
type SensorConfig struct {
	ID      string             `json:"id"`
	Kind    vehicle.SensorKind `json:"kind"`
	Enabled bool               `json:"enabled"`
	// SafetyCritical escalates read failures of this sensor to ERROR.
	SafetyCritical bool `json:"safety_critical,omitempty"`
	// ForwardFacing marks obstacle sensors that look ahead. When exactly one
	// enabled forward-facing obstacle sensor exists it is safety critical.
	ForwardFacing  bool              `json:"forward_facing,omitempty"`
	ExpectedPeriod timeutil.Duration `json:"expected_period,omitempty"`
	Limits         map[string]Limit  `json:"limits,omitempty"`
}

// Validate checks a sensor list for duplicate ids and bad limits.
func Validate(cfgs []SensorConfig) error {
	seen := make(map[string]bool, len(cfgs))
	for i, c := range cfgs {
		if c.ID == "" {
			return fmt.Errorf("sensors[%d]: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("sensors[%d]: duplicate sensor id %q", i, c.ID)
		}
		seen[c.ID] = true
		if c.ExpectedPeriod < 0 {
			return fmt.Errorf("sensor %q: expected_period must be non-negative", c.ID)
		}
		for name, lim := range c.Limits {
			if lim.Min > lim.Max {
				return fmt.Errorf("sensor %q: limit %q has min %g > max %g", c.ID, name, lim.Min, lim.Max)
			}
		}
	}
	return nil
}

// DefaultSensors mirrors the reference vehicle: one lidar, two cameras, radar,
// GPS and IMU.
func DefaultSensors() []SensorConfig {
	return []SensorConfig{
		{ID: "lidar", Kind: vehicle.SensorLidar, Enabled: true, SafetyCritical: true, ForwardFacing: true,
			ExpectedPeriod: DefaultExpectedPeriod,
			Limits:         map[string]Limit{"num_points": {Min: 1000, Max: 2_000_000}}},
		{ID: "camera_0", Kind: vehicle.SensorCamera, Enabled: true, ForwardFacing: true,
			ExpectedPeriod: DefaultExpectedPeriod / 3},
		{ID: "camera_1", Kind: vehicle.SensorCamera, Enabled: true,
			ExpectedPeriod: DefaultExpectedPeriod / 3},
		{ID: "radar", Kind: vehicle.SensorRadar, Enabled: true, ForwardFacing: true,
			ExpectedPeriod: DefaultExpectedPeriod / 2},
		{ID: "gps", Kind: vehicle.SensorGPS, Enabled: true,
			ExpectedPeriod: DefaultExpectedPeriod * 10,
			Limits:         map[string]Limit{"accuracy_m": {Min: 0, Max: 10}, "satellites": {Min: 4, Max: 64}}},
		{ID: "imu", Kind: vehicle.SensorIMU, Enabled: true,
			ExpectedPeriod: DefaultExpectedPeriod / 10,
			Limits:         map[string]Limit{"accel_z": {Min: 4, Max: 16}}},
	}
}
