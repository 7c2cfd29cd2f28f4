package vehicle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ControlMode is the control state of the vehicle. ModeEmergency is the
// absorbing state entered on critical diagnosis; it cannot be requested with
// SetMode and is left only through an operator reset.
type ControlMode int

const (
	ModeManual ControlMode = iota
	ModeAssisted
	ModeAutonomous
	ModeEmergency
)

func (m ControlMode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModeAssisted:
		return "assisted"
	case ModeAutonomous:
		return "autonomous"
	case ModeEmergency:
		return "emergency"
	}
	return fmt.Sprintf("ControlMode(%d)", int(m))
}

// Selectable reports whether an operator may request the mode directly.
func (m ControlMode) Selectable() bool {
	switch m {
	case ModeManual, ModeAssisted, ModeAutonomous:
		return true
	case ModeEmergency:
		return false
	}
	return false
}

// ParseControlMode parses the names accepted by the configuration and the API.
func ParseControlMode(s string) (ControlMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual":
		return ModeManual, nil
	case "assisted":
		return ModeAssisted, nil
	case "autonomous":
		return ModeAutonomous, nil
	case "emergency":
		return ModeEmergency, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

func (m ControlMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *ControlMode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseControlMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ControlCommand is an actuator command. Steering is in degrees, throttle and
// brake are normalized to [0,1]. Commands are values: a clamped command is a
// new value, never an edit of the requested one.
type ControlCommand struct {
	SteeringAngle float64   `json:"steering_angle"`
	Throttle      float64   `json:"throttle"`
	Brake         float64   `json:"brake"`
	Timestamp     time.Time `json:"timestamp"`
}

func (c ControlCommand) String() string {
	return fmt.Sprintf("steer=%.1f° throttle=%.2f brake=%.2f", c.SteeringAngle, c.Throttle, c.Brake)
}

// VehicleState is the integrated vehicle state owned by the controller.
type VehicleState struct {
	SpeedMPS      float64   `json:"speed_mps"`
	SteeringAngle float64   `json:"steering_angle"`
	Heading       float64   `json:"heading"`
	Timestamp     time.Time `json:"timestamp"`
}

// ControlTelemetry describes what happened to the previous command on its
// way to the actuators.
type ControlTelemetry struct {
	Commanded ControlCommand `json:"commanded"`
	// Readback is the value the actuators report back, if any.
	Readback    ControlCommand `json:"readback"`
	HasReadback bool           `json:"has_readback"`
	// Fault is set when the actuation backend returned an error.
	Fault      bool   `json:"fault"`
	FaultError string `json:"fault_error,omitempty"`
}

// LinkTelemetry describes the health of the vehicle bus link.
type LinkTelemetry struct {
	Connected bool `json:"connected"`
	// CRCFailures is the number of corrupt frames seen since the previous poll.
	CRCFailures int `json:"crc_failures"`
	// ErrorCount is the number of bus errors since the last acknowledged
	// command.
	ErrorCount int `json:"error_count"`
}

// EmergencyEvent records an emergency engagement or an operator reset.
type EmergencyEvent struct {
	Timestamp time.Time `json:"timestamp"`
	// Engaged is true for an engagement and false for a reset.
	Engaged  bool   `json:"engaged"`
	Reason   string `json:"reason,omitempty"`
	Operator string `json:"operator,omitempty"`
}
