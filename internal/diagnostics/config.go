package diagnostics

import (
	"fmt"
	"time"

	"github.com/banshee-data/autoflux/internal/timeutil"
)

// ReadbackTolerance is the largest accepted difference between the commanded
// and the reported actuator position.
type ReadbackTolerance struct {
	SteeringDeg float64 `json:"steering_deg"`
	Throttle    float64 `json:"throttle"`
	Brake       float64 `json:"brake"`
}

// Config holds the evaluator thresholds. All streak thresholds count cycles.
type Config struct {
	HistorySize   int               `json:"history_size"`
	MaxReportAge  timeutil.Duration `json:"max_report_age"`
	RecentReports int               `json:"recent_reports"`

	MaxConsecutiveFailures  int `json:"max_consecutive_failures"`
	LinkCriticalThreshold   int `json:"link_critical_threshold"`
	LinkErrorWarning        int `json:"link_error_warning"`
	ActuationFaultThreshold int `json:"actuation_fault_threshold"`
	RecoveryObservations    int `json:"recovery_observations"`

	ReadbackTolerance ReadbackTolerance `json:"readback_tolerance"`
}

// DefaultConfig returns the thresholds used on the reference vehicle.
func DefaultConfig() Config {
	return Config{
		HistorySize:             100,
		MaxReportAge:            timeutil.Duration(5 * time.Minute),
		RecentReports:           10,
		MaxConsecutiveFailures:  3,
		LinkCriticalThreshold:   5,
		LinkErrorWarning:        10,
		ActuationFaultThreshold: 3,
		RecoveryObservations:    3,
		ReadbackTolerance: ReadbackTolerance{
			SteeringDeg: 2.0,
			Throttle:    0.05,
			Brake:       0.05,
		},
	}
}

// Validate reports the first invalid threshold.
func (c Config) Validate() error {
	switch {
	case c.HistorySize < 1:
		return fmt.Errorf("history_size must be at least 1, got %d", c.HistorySize)
	case c.MaxReportAge < 0:
		return fmt.Errorf("max_report_age must be non-negative")
	case c.RecentReports < 0 || c.RecentReports > c.HistorySize:
		return fmt.Errorf("recent_reports must be within [0, history_size], got %d", c.RecentReports)
	case c.MaxConsecutiveFailures < 0:
		return fmt.Errorf("max_consecutive_failures must be non-negative, got %d", c.MaxConsecutiveFailures)
	case c.LinkCriticalThreshold < 1:
		return fmt.Errorf("link_critical_threshold must be at least 1, got %d", c.LinkCriticalThreshold)
	case c.LinkErrorWarning < 0:
		return fmt.Errorf("link_error_warning must be non-negative, got %d", c.LinkErrorWarning)
	case c.ActuationFaultThreshold < 0:
		return fmt.Errorf("actuation_fault_threshold must be non-negative, got %d", c.ActuationFaultThreshold)
	case c.RecoveryObservations < 1:
		return fmt.Errorf("recovery_observations must be at least 1, got %d", c.RecoveryObservations)
	}
	t := c.ReadbackTolerance
	if t.SteeringDeg < 0 || t.Throttle < 0 || t.Brake < 0 {
		return fmt.Errorf("readback_tolerance values must be non-negative")
	}
	return nil
}
