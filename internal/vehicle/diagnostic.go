package vehicle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a diagnostic report. Levels are ordered so that
// a larger value is always more severe.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel parses a level name as stored in the report history database.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown diagnostic level %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// DiagnosticReport is an immutable entry of the diagnostic history.
type DiagnosticReport struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Cycle     uint64    `json:"cycle,omitempty"`
}

func (r DiagnosticReport) String() string {
	return fmt.Sprintf("[%s] %s: %s", r.Level, r.Component, r.Message)
}

// HealthStatus is the overall classification of a DiagnosticSummary.
type HealthStatus int

const (
	StatusHealthy HealthStatus = iota
	StatusWarning
	StatusError
	StatusCritical
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	case StatusCritical:
		return "critical"
	}
	return fmt.Sprintf("HealthStatus(%d)", int(s))
}

func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *HealthStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for _, candidate := range []HealthStatus{StatusHealthy, StatusWarning, StatusError, StatusCritical} {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown health status %q", name)
}

// DiagnosticSummary is recomputed every cycle from the live component states.
// It is never stored.
type DiagnosticSummary struct {
	Timestamp     time.Time          `json:"timestamp"`
	Status        HealthStatus       `json:"status"`
	CriticalCount int                `json:"critical_count"`
	ErrorCount    int                `json:"error_count"`
	WarningCount  int                `json:"warning_count"`
	RecentReports []DiagnosticReport `json:"recent_reports"`
}

// NewDiagnosticSummary derives the status from the counts so the two can
// never disagree.
func NewDiagnosticSummary(ts time.Time, critical, errs, warnings int, recent []DiagnosticReport) DiagnosticSummary {
	s := DiagnosticSummary{
		Timestamp:     ts,
		CriticalCount: critical,
		ErrorCount:    errs,
		WarningCount:  warnings,
		RecentReports: recent,
	}
	switch {
	case critical > 0:
		s.Status = StatusCritical
	case errs > 0:
		s.Status = StatusError
	case warnings > 0:
		s.Status = StatusWarning
	default:
		s.Status = StatusHealthy
	}
	return s
}

// Component names used by the evaluator's per-component state table.
const (
	ComponentLink         = "link"
	ComponentActuator     = "actuator"
	ComponentPerception   = "perception"
	ComponentOrchestrator = "orchestrator"
	ComponentController   = "controller"
)

// SensorComponent returns the diagnostic component name for a sensor.
func SensorComponent(sensorID string) string {
	return "sensor/" + sensorID
}
