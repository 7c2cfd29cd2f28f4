package control

import (
	"fmt"
	"time"

	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// Config holds the controller envelopes and the kinematic model constants.
type Config struct {
	// Mode is the mode selected at startup. It must be selectable.
	Mode vehicle.ControlMode `json:"mode"`

	MaxSpeedMPS         float64 `json:"max_speed_mps"`
	MaxSteeringAngleDeg float64 `json:"max_steering_angle_deg"`
	// MaxThrottleDeltaPerCycle bounds how fast throttle may rise between
	// consecutive commands outside MANUAL.
	MaxThrottleDeltaPerCycle float64 `json:"max_throttle_delta_per_cycle"`
	MaxBrake                 float64 `json:"max_brake"`

	AutonomousMaxSteeringDeg   float64 `json:"autonomous_max_steering_deg"`
	AutonomousMaxThrottleDelta float64 `json:"autonomous_max_throttle_delta"`

	// AccelGain converts (throttle - brake) into m/s².
	AccelGain  float64           `json:"accel_gain"`
	WheelbaseM float64           `json:"wheelbase_m"`
	MaxDt      timeutil.Duration `json:"max_dt"`

	// Readback further than these from the command marks the steering or
	// brake actuator unresponsive in Status.
	SteeringResponseToleranceDeg float64 `json:"steering_response_tolerance_deg"`
	BrakeResponseTolerance       float64 `json:"brake_response_tolerance"`
}

// DefaultConfig returns the reference vehicle envelopes.
func DefaultConfig() Config {
	return Config{
		Mode:                       vehicle.ModeAssisted,
		MaxSpeedMPS:                30.0,
		MaxSteeringAngleDeg:        45.0,
		MaxThrottleDeltaPerCycle:   0.1,
		MaxBrake:                   1.0,
		AutonomousMaxSteeringDeg:   25.0,
		AutonomousMaxThrottleDelta: 0.05,
		AccelGain:                  3.0,
		WheelbaseM:                 2.7,
		MaxDt:                      timeutil.Duration(250 * time.Millisecond),

		SteeringResponseToleranceDeg: 2.0,
		BrakeResponseTolerance:       0.05,
	}
}

// Validate reports the first invalid envelope.
func (c Config) Validate() error {
	switch {
	case !c.Mode.Selectable():
		return fmt.Errorf("mode %s cannot be selected at startup", c.Mode)
	case c.MaxSpeedMPS <= 0:
		return fmt.Errorf("max_speed_mps must be positive, got %g", c.MaxSpeedMPS)
	case c.MaxSteeringAngleDeg <= 0 || c.MaxSteeringAngleDeg >= 90:
		return fmt.Errorf("max_steering_angle_deg must be within (0, 90), got %g", c.MaxSteeringAngleDeg)
	case c.AutonomousMaxSteeringDeg <= 0:
		return fmt.Errorf("autonomous_max_steering_deg must be positive, got %g", c.AutonomousMaxSteeringDeg)
	case c.MaxThrottleDeltaPerCycle <= 0 || c.MaxThrottleDeltaPerCycle > 1:
		return fmt.Errorf("max_throttle_delta_per_cycle must be within (0, 1], got %g", c.MaxThrottleDeltaPerCycle)
	case c.AutonomousMaxThrottleDelta <= 0 || c.AutonomousMaxThrottleDelta > 1:
		return fmt.Errorf("autonomous_max_throttle_delta must be within (0, 1], got %g", c.AutonomousMaxThrottleDelta)
	case c.MaxBrake <= 0 || c.MaxBrake > 1:
		return fmt.Errorf("max_brake must be within (0, 1], got %g", c.MaxBrake)
	case c.AccelGain <= 0:
		return fmt.Errorf("accel_gain must be positive, got %g", c.AccelGain)
	case c.WheelbaseM <= 0:
		return fmt.Errorf("wheelbase_m must be positive, got %g", c.WheelbaseM)
	case c.MaxDt <= 0:
		return fmt.Errorf("max_dt must be positive")
	case c.SteeringResponseToleranceDeg <= 0:
		return fmt.Errorf("steering_response_tolerance_deg must be positive, got %g", c.SteeringResponseToleranceDeg)
	case c.BrakeResponseTolerance <= 0 || c.BrakeResponseTolerance > 1:
		return fmt.Errorf("brake_response_tolerance must be within (0, 1], got %g", c.BrakeResponseTolerance)
	}
	return nil
}
