// Package control owns the vehicle state and turns desired commands into
// safe, clamped actuator commands.
package control

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// Status reports the controller state for the monitoring surface.
type Status struct {
	Mode            vehicle.ControlMode     `json:"mode"`
	EmergencyStop   bool                    `json:"emergency_stop"`
	EmergencyReason string                  `json:"emergency_reason,omitempty"`
	EmergencySince  *time.Time              `json:"emergency_since,omitempty"`
	CurrentCommand  *vehicle.ControlCommand `json:"current_command"`
	VehicleState    vehicle.VehicleState    `json:"vehicle_state"`

	SteeringResponsive bool   `json:"steering_responsive"`
	BrakesResponsive   bool   `json:"brakes_responsive"`
	ActuatorErrors     uint64 `json:"actuator_errors"`
}

// Controller is the single owner of VehicleState and the emergency flag.
// ExecuteCommand is called by the orchestrator once per cycle; the mode and
// emergency entry points may be called concurrently from API handlers.
type Controller struct {
	cfg   Config
	clock timeutil.Clock

	emergency      atomic.Bool
	actuatorErrors atomic.Uint64

	mu              sync.Mutex
	mode            vehicle.ControlMode
	state           vehicle.VehicleState
	current         vehicle.ControlCommand
	hasCurrent      bool
	emergencyReason string
	emergencySince  time.Time
	speedLimited    bool
	listeners       []func(vehicle.EmergencyEvent)

	steeringOK bool
	brakesOK   bool
}

// NewController creates a controller in cfg.Mode with the vehicle at rest.
func NewController(cfg Config, clock timeutil.Clock) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	monitoring.Infof("vehicle controller initialized in %s mode", cfg.Mode)
	return &Controller{cfg: cfg, clock: clock, mode: cfg.Mode, steeringOK: true, brakesOK: true}, nil
}

// OnEmergency registers fn to be called after every engagement and reset.
// fn runs on the caller's goroutine without the controller lock held.
func (c *Controller) OnEmergency(fn func(vehicle.EmergencyEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// ExecuteCommand clamps desired against the envelopes for the current mode,
// integrates the vehicle state and returns the command to issue. A CRITICAL
// summary or an active emergency overrides desired with full braking.
func (c *Controller) ExecuteCommand(desired vehicle.ControlCommand, summary vehicle.DiagnosticSummary) vehicle.ControlCommand {
	if desired.Timestamp.IsZero() {
		desired.Timestamp = c.clock.Now()
	}

	c.mu.Lock()
	var event *vehicle.EmergencyEvent
	if summary.Status == vehicle.StatusCritical && !c.emergency.Load() {
		ev := c.engageLocked(fmt.Sprintf("critical diagnostics (%d critical)", summary.CriticalCount), desired.Timestamp)
		event = &ev
	}

	var cmd vehicle.ControlCommand
	if c.emergency.Load() {
		cmd = emergencyCommand(desired.Timestamp)
	} else {
		cmd = c.constrainLocked(desired)
	}
	c.integrateLocked(cmd)
	c.current = cmd
	c.hasCurrent = true
	listeners := c.listeners
	c.mu.Unlock()

	if event != nil {
		notify(listeners, *event)
	}
	return cmd
}

// SetMode selects an operating mode. It fails while the emergency stop is
// active and for modes that cannot be requested directly.
func (c *Controller) SetMode(mode vehicle.ControlMode) error {
	if !mode.Selectable() {
		return fmt.Errorf("%w: %s cannot be requested", vehicle.ErrInvalidMode, mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emergency.Load() {
		return fmt.Errorf("set mode %s: %w", mode, vehicle.ErrEmergencyActive)
	}
	if mode != c.mode {
		monitoring.Infof("changing control mode from %s to %s", c.mode, mode)
	}
	c.mode = mode
	return nil
}

// EmergencyBrake engages the emergency stop. Calling it while the stop is
// already active has no effect.
func (c *Controller) EmergencyBrake(reason string) {
	c.mu.Lock()
	if c.emergency.Load() {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	ev := c.engageLocked(reason, now)
	c.current = emergencyCommand(now)
	c.hasCurrent = true
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, ev)
}

// ResetEmergency clears the emergency stop on behalf of operator and returns
// the controller to MANUAL. Resetting when no emergency is active is a no-op.
func (c *Controller) ResetEmergency(operator string) error {
	if operator == "" {
		return errors.New("emergency reset requires an operator")
	}
	c.mu.Lock()
	if !c.emergency.Load() {
		c.mu.Unlock()
		return nil
	}
	reason := c.emergencyReason
	c.emergency.Store(false)
	c.emergencyReason = ""
	c.emergencySince = time.Time{}
	c.mode = vehicle.ModeManual
	listeners := c.listeners
	c.mu.Unlock()

	monitoring.Warnf("emergency stop released by %s (was: %s)", operator, reason)
	notify(listeners, vehicle.EmergencyEvent{
		Timestamp: c.clock.Now(),
		Engaged:   false,
		Reason:    reason,
		Operator:  operator,
	})
	return nil
}

// Emergency reports whether the emergency stop is active.
func (c *Controller) Emergency() bool { return c.emergency.Load() }

// Mode returns the effective control state; ModeEmergency while the
// emergency stop is active.
func (c *Controller) Mode() vehicle.ControlMode {
	if c.emergency.Load() {
		return vehicle.ModeEmergency
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emergency.Load() {
		return vehicle.ModeEmergency
	}
	return c.mode
}

// State returns the integrated vehicle state.
func (c *Controller) State() vehicle.VehicleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ObserveActuation records the outcome of applying a command. A fault marks
// both actuators unresponsive; a readback outside the response tolerance
// marks the diverging one.
func (c *Controller) ObserveActuation(tel vehicle.ControlTelemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case tel.Fault:
		c.actuatorErrors.Add(1)
		c.steeringOK, c.brakesOK = false, false
	case tel.HasReadback:
		c.steeringOK = math.Abs(tel.Commanded.SteeringAngle-tel.Readback.SteeringAngle) <= c.cfg.SteeringResponseToleranceDeg
		c.brakesOK = math.Abs(tel.Commanded.Brake-tel.Readback.Brake) <= c.cfg.BrakeResponseTolerance
	default:
		c.steeringOK, c.brakesOK = true, true
	}
}

// Status returns a point-in-time view of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	emergency := c.emergency.Load()
	s := Status{
		Mode:               c.mode,
		EmergencyStop:      emergency,
		EmergencyReason:    c.emergencyReason,
		VehicleState:       c.state,
		SteeringResponsive: c.steeringOK,
		BrakesResponsive:   c.brakesOK,
		ActuatorErrors:     c.actuatorErrors.Load(),
	}
	if emergency {
		s.Mode = vehicle.ModeEmergency
		since := c.emergencySince
		s.EmergencySince = &since
	}
	if c.hasCurrent {
		cmd := c.current
		s.CurrentCommand = &cmd
	}
	return s
}

func (c *Controller) engageLocked(reason string, at time.Time) vehicle.EmergencyEvent {
	c.emergency.Store(true)
	c.emergencyReason = reason
	c.emergencySince = at
	monitoring.Criticalf("EMERGENCY BRAKE ACTIVATED: %s", reason)
	return vehicle.EmergencyEvent{Timestamp: at, Engaged: true, Reason: reason}
}

func (c *Controller) constrainLocked(desired vehicle.ControlCommand) vehicle.ControlCommand {
	steerLimit := c.cfg.MaxSteeringAngleDeg
	throttleDelta := c.cfg.MaxThrottleDeltaPerCycle
	switch c.mode {
	case vehicle.ModeManual:
		throttleDelta = 1
	case vehicle.ModeAssisted:
	case vehicle.ModeAutonomous:
		steerLimit = math.Min(steerLimit, c.cfg.AutonomousMaxSteeringDeg)
		throttleDelta = math.Min(throttleDelta, c.cfg.AutonomousMaxThrottleDelta)
	case vehicle.ModeEmergency:
		// Not reachable: the emergency flag is checked first.
		return emergencyCommand(desired.Timestamp)
	}

	cmd := vehicle.ControlCommand{
		SteeringAngle: clamp(desired.SteeringAngle, -steerLimit, steerLimit),
		Throttle:      clamp(desired.Throttle, 0, 1),
		Brake:         clamp(desired.Brake, 0, c.cfg.MaxBrake),
		Timestamp:     desired.Timestamp,
	}
	if cmd.Throttle > 0 && cmd.Brake > 0 {
		monitoring.Debugf("both throttle and brake commanded, prioritizing brake")
		cmd.Throttle = 0
	}

	var last float64
	if c.hasCurrent {
		last = c.current.Throttle
	}
	if cmd.Throttle > last+throttleDelta {
		cmd.Throttle = last + throttleDelta
	}

	if math.Abs(cmd.SteeringAngle-desired.SteeringAngle) > 1.0 {
		monitoring.Debugf("steering constrained: %.1f° -> %.1f°", desired.SteeringAngle, cmd.SteeringAngle)
	}
	return cmd
}

// integrateLocked advances the kinematic bicycle model by the time elapsed
// since the previous command.
func (c *Controller) integrateLocked(cmd vehicle.ControlCommand) {
	var dt float64
	if !c.state.Timestamp.IsZero() {
		d := cmd.Timestamp.Sub(c.state.Timestamp)
		if d < 0 {
			d = 0
		}
		if limit := c.cfg.MaxDt.Std(); d > limit {
			d = limit
		}
		dt = d.Seconds()
	}

	speed := c.state.SpeedMPS + (cmd.Throttle-cmd.Brake)*c.cfg.AccelGain*dt
	if speed > c.cfg.MaxSpeedMPS {
		if !c.speedLimited {
			monitoring.Warnf("speed limit reached: %.1f m/s", c.cfg.MaxSpeedMPS)
		}
		c.speedLimited = true
		speed = c.cfg.MaxSpeedMPS
	} else {
		c.speedLimited = false
	}
	if speed < 0 {
		speed = 0
	}

	steerRad := cmd.SteeringAngle * math.Pi / 180
	yawRate := speed / c.cfg.WheelbaseM * math.Tan(steerRad)
	heading := c.state.Heading + yawRate*dt*180/math.Pi

	c.state = vehicle.VehicleState{
		SpeedMPS:      speed,
		SteeringAngle: cmd.SteeringAngle,
		Heading:       normalizeHeading(heading),
		Timestamp:     cmd.Timestamp,
	}
}

func emergencyCommand(ts time.Time) vehicle.ControlCommand {
	return vehicle.ControlCommand{SteeringAngle: 0, Throttle: 0, Brake: 1.0, Timestamp: ts}
}

func notify(listeners []func(vehicle.EmergencyEvent), ev vehicle.EmergencyEvent) {
	for _, fn := range listeners {
		fn(ev)
	}
}

// clamp limits v to [lo, hi]; NaN maps to zero, or to lo when zero is
// outside the range.
func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	return math.Max(lo, math.Min(hi, v))
}

func normalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}
