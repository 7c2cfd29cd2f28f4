package orchestrator

import (
	"fmt"
	"time"

	"github.com/banshee-data/autoflux/internal/timeutil"
)

// Config sets the cycle cadence and how the period is split between stages.
type Config struct {
	UpdateRateHz float64 `json:"update_rate_hz"`
	// SensorBudgetFraction is the share of the period given to collection.
	SensorBudgetFraction float64 `json:"sensor_budget_fraction"`
	// ControlReserveFraction is kept free at the end of the period for
	// policy, control and actuation. Perception gets what is left.
	ControlReserveFraction float64           `json:"control_reserve_fraction"`
	ActuationTimeout       timeutil.Duration `json:"actuation_timeout"`
	StatusLogInterval      timeutil.Duration `json:"status_log_interval"`
	// TimingWindow is the number of recent cycles kept for timing stats.
	TimingWindow int `json:"timing_window"`
}

func DefaultConfig() Config {
	return Config{
		UpdateRateHz:           30,
		SensorBudgetFraction:   0.6,
		ControlReserveFraction: 0.1,
		ActuationTimeout:       timeutil.Duration(10 * time.Millisecond),
		StatusLogInterval:      timeutil.Duration(10 * time.Second),
		TimingWindow:           300,
	}
}

// Period is the nominal cycle length.
func (c Config) Period() time.Duration {
	return time.Duration(float64(time.Second) / c.UpdateRateHz)
}

// SensorBudget is the collection timeout.
func (c Config) SensorBudget() time.Duration {
	return time.Duration(float64(c.Period()) * c.SensorBudgetFraction)
}

// PerceptionDeadline is the offset from cycle start by which inference must
// have returned.
func (c Config) PerceptionDeadline() time.Duration {
	return time.Duration(float64(c.Period()) * (1 - c.ControlReserveFraction))
}

func (c Config) Validate() error {
	switch {
	case c.UpdateRateHz <= 0 || c.UpdateRateHz > 1000:
		return fmt.Errorf("update_rate_hz must be within (0, 1000], got %g", c.UpdateRateHz)
	case c.SensorBudgetFraction <= 0 || c.SensorBudgetFraction >= 1:
		return fmt.Errorf("sensor_budget_fraction must be within (0, 1), got %g", c.SensorBudgetFraction)
	case c.ControlReserveFraction <= 0 || c.ControlReserveFraction >= 1:
		return fmt.Errorf("control_reserve_fraction must be within (0, 1), got %g", c.ControlReserveFraction)
	case c.SensorBudgetFraction+c.ControlReserveFraction >= 1:
		return fmt.Errorf("sensor_budget_fraction + control_reserve_fraction must leave time for perception")
	case c.ActuationTimeout <= 0:
		return fmt.Errorf("actuation_timeout must be positive")
	case c.StatusLogInterval < 0:
		return fmt.Errorf("status_log_interval must be non-negative")
	case c.TimingWindow < 1:
		return fmt.Errorf("timing_window must be at least 1, got %d", c.TimingWindow)
	}
	return nil
}
