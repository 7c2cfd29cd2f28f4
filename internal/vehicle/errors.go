package vehicle

import "errors"

// Error taxonomy shared by the collectors, the evaluator and the controller.
// Per-cycle errors are turned into diagnostics by the orchestrator; only
// ErrConfigurationInvalid is allowed to stop the process, and only at startup.
var (
	// ErrSensorUnavailable is returned by a sensor backend that has no reading.
	ErrSensorUnavailable = errors.New("sensor unavailable")
	// ErrPerceptionTimeout means the inference call did not finish in budget.
	ErrPerceptionTimeout = errors.New("perception timeout")
	// ErrActuationFault is returned by an actuation backend that rejected or
	// failed to apply a command.
	ErrActuationFault = errors.New("actuation fault")
	// ErrDiagnosticCritical marks a critical diagnosis that forced EMERGENCY.
	ErrDiagnosticCritical = errors.New("diagnostic critical")
	// ErrConfigurationInvalid wraps every configuration validation failure.
	ErrConfigurationInvalid = errors.New("configuration invalid")
	// ErrEmergencyActive is returned for mode changes while the stop flag is set.
	ErrEmergencyActive = errors.New("emergency stop active")
	// ErrInvalidMode is returned for unknown or non-selectable modes.
	ErrInvalidMode = errors.New("invalid control mode")
)
