// Package policy derives the desired control command from perception and the
// current vehicle state. Its output is always passed through the controller,
// which owns every safety envelope.
package policy

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// Input is everything a policy may look at in one cycle.
type Input struct {
	Frame      vehicle.SensorFrame
	Perception vehicle.PerceptionResult
	Summary    vehicle.DiagnosticSummary
	State      vehicle.VehicleState
	Mode       vehicle.ControlMode
	Now        time.Time
}

// Policy produces the desired command for a cycle.
type Policy interface {
	Decide(in Input) vehicle.ControlCommand
}

// Func adapts a function to Policy.
type Func func(in Input) vehicle.ControlCommand

func (f Func) Decide(in Input) vehicle.ControlCommand { return f(in) }

// Config tunes the default lane-keeping policy.
type Config struct {
	CruiseSpeedMPS   float64 `json:"cruise_speed_mps"`
	PedestrianBrake  float64 `json:"pedestrian_brake"`
	PedestrianRangeM float64 `json:"pedestrian_range_m"`
	// LaneCenteringDegPerM is the heading correction per metre of offset
	// from the lane centre.
	LaneCenteringDegPerM float64 `json:"lane_centering_deg_per_m"`
	// MaxSteeringAngleDeg bounds the heading controller output. The
	// controller applies its own envelope on top.
	MaxSteeringAngleDeg float64 `json:"max_steering_angle_deg"`
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		CruiseSpeedMPS:       10,
		PedestrianBrake:      0.3,
		PedestrianRangeM:     30,
		LaneCenteringDegPerM: 5,
		MaxSteeringAngleDeg:  45,
	}
}

// Validate checks the tuning values.
func (c Config) Validate() error {
	switch {
	case c.CruiseSpeedMPS < 0:
		return fmt.Errorf("cruise_speed_mps must be non-negative, got %g", c.CruiseSpeedMPS)
	case c.PedestrianBrake < 0 || c.PedestrianBrake > 1:
		return fmt.Errorf("pedestrian_brake must be within [0, 1], got %g", c.PedestrianBrake)
	case c.PedestrianRangeM < 0:
		return fmt.Errorf("pedestrian_range_m must be non-negative, got %g", c.PedestrianRangeM)
	case c.MaxSteeringAngleDeg <= 0:
		return fmt.Errorf("max_steering_angle_deg must be positive, got %g", c.MaxSteeringAngleDeg)
	}
	return nil
}

// LaneKeeping follows the lane centre at cruise speed and brakes for
// pedestrians.
type LaneKeeping struct {
	cfg Config
}

// NewLaneKeeping returns the default policy.
func NewLaneKeeping(cfg Config) (*LaneKeeping, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &LaneKeeping{cfg: cfg}, nil
}

func (p *LaneKeeping) Decide(in Input) vehicle.ControlCommand {
	cmd := vehicle.ControlCommand{Timestamp: in.Now}

	target := in.State.Heading
	if n := len(in.Perception.Lanes); n >= 2 {
		var offset, heading float64
		for _, l := range in.Perception.Lanes {
			offset += l.OffsetM
			heading += l.HeadingDeg
		}
		target += heading/float64(n) + p.cfg.LaneCenteringDegPerM*offset/float64(n)
	}
	cmd.SteeringAngle = p.Steering(target, in.State.Heading, in.State.SpeedMPS)

	if d, ok := in.Perception.Nearest("pedestrian", p.cfg.PedestrianRangeM); ok {
		monitoring.Debugf("pedestrian at %.1fm, braking", d.DistanceM)
		cmd.Brake = p.cfg.PedestrianBrake
		return cmd
	}
	cmd.Throttle, cmd.Brake = Speed(p.cfg.CruiseSpeedMPS, in.State.SpeedMPS)
	return cmd
}

// Steering is a proportional heading controller. The gain halves above
// 10 m/s, and the heading error takes the short way round.
func (p *LaneKeeping) Steering(targetHeading, currentHeading, speedMPS float64) float64 {
	errDeg := math.Mod(targetHeading-currentHeading, 360)
	switch {
	case errDeg > 180:
		errDeg -= 360
	case errDeg < -180:
		errDeg += 360
	}
	gain := 1.0
	if speedMPS >= 10 {
		gain = 0.5
	}
	lim := p.cfg.MaxSteeringAngleDeg
	return math.Max(-lim, math.Min(lim, errDeg*gain))
}

// Speed returns throttle and brake to move from current towards target. Errors
// within 0.5 m/s are ignored.
func Speed(targetMPS, currentMPS float64) (throttle, brake float64) {
	e := targetMPS - currentMPS
	switch {
	case e < -0.5:
		return 0, math.Min(1, -e/10)
	case e > 0.5:
		return math.Min(1, e/10), 0
	}
	return 0, 0
}
