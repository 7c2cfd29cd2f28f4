// Package diagnostics turns per-cycle sensor, link and actuation evidence into
// latched per-component severities and the DiagnosticSummary consumed by the
// controller.
package diagnostics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// ComponentStatus is the externally visible state of one component.
type ComponentStatus struct {
	Component string        `json:"component"`
	Level     vehicle.Level `json:"level"`
	Message   string        `json:"message"`
	// FailStreak is the number of consecutive failing cycles.
	FailStreak int       `json:"fail_streak"`
	Since      time.Time `json:"since"`
}

type componentState struct {
	name    string
	latched vehicle.Level
	message string
	since   time.Time

	// lowerStreak counts consecutive observations below the latched level.
	lowerStreak int
	failStreak  int

	// lastLevel is the previous raw observation; reports are edge-triggered
	// on changes of it.
	lastLevel vehicle.Level
}

// ReportSink receives every report appended to the history. It is called
// without the evaluator lock held and must not block.
type ReportSink func(vehicle.DiagnosticReport)

// observation is one component's verdict for the current cycle.
type observation struct {
	component string
	level     vehicle.Level
	message   string
}

// Evaluator owns the diagnostic history and the component state table. It is
// driven by the orchestrator goroutine; the read accessors are safe to call
// from API handlers.
type Evaluator struct {
	cfg   Config
	clock timeutil.Clock

	mu         sync.Mutex
	components []componentState
	index      map[string]int
	history    *History
	cycle      uint64
	sinks      []ReportSink
}

// NewEvaluator creates an evaluator. A nil clock uses the wall clock.
func NewEvaluator(cfg Config, clock timeutil.Clock) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("diagnostics: %w", err)
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Evaluator{
		cfg:     cfg,
		clock:   clock,
		index:   make(map[string]int),
		history: NewHistory(cfg.HistorySize, cfg.MaxReportAge.Std()),
	}, nil
}

// AddSink registers fn to receive new reports, for example the database
// writer.
func (e *Evaluator) AddSink(fn ReportSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, fn)
}

// Evaluate folds one cycle of evidence into the component table and returns
// the resulting summary.
func (e *Evaluator) Evaluate(frame vehicle.SensorFrame, ctl vehicle.ControlTelemetry, link vehicle.LinkTelemetry) vehicle.DiagnosticSummary {
	e.mu.Lock()
	e.cycle++
	now := e.clock.Now()

	var obs []observation
	anomalies := groupAnomalies(frame.Anomalies)
	for _, r := range frame.Readings {
		obs = append(obs, e.sensorObservation(r, anomalies[vehicle.SensorComponent(r.SensorID)]))
	}
	obs = append(obs, e.linkObservation(link), e.actuatorObservation(ctl))

	var emitted []vehicle.DiagnosticReport
	for _, o := range obs {
		if r, ok := e.apply(o, now); ok {
			emitted = append(emitted, r)
		}
	}
	summary := e.summaryLocked(now)
	sinks := e.sinks
	e.mu.Unlock()

	e.publish(sinks, emitted)
	return summary
}

// Observe records a stage-level observation such as a perception timeout or
// a cycle overrun. Callers report LevelInfo on healthy cycles so that the
// component can recover.
func (e *Evaluator) Observe(component string, level vehicle.Level, message string) {
	e.mu.Lock()
	now := e.clock.Now()
	idx := e.stateIndex(component)
	if level > vehicle.LevelInfo {
		e.components[idx].failStreak++
	} else {
		e.components[idx].failStreak = 0
	}
	r, ok := e.apply(observation{component: component, level: level, message: message}, now)
	sinks := e.sinks
	e.mu.Unlock()

	if ok {
		e.publish(sinks, []vehicle.DiagnosticReport{r})
	}
}

// Summary returns a summary of the current latched component levels.
func (e *Evaluator) Summary() vehicle.DiagnosticSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.summaryLocked(e.clock.Now())
}

// History returns the retained reports, oldest first.
func (e *Evaluator) History() []vehicle.DiagnosticReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history.Prune(e.clock.Now())
	return e.history.All()
}

// Components returns the component table sorted by name.
func (e *Evaluator) Components() []ComponentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ComponentStatus, len(e.components))
	for i, c := range e.components {
		out[i] = ComponentStatus{
			Component:  c.name,
			Level:      c.latched,
			Message:    c.message,
			FailStreak: c.failStreak,
			Since:      c.since,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Cycle returns the number of Evaluate calls so far.
func (e *Evaluator) Cycle() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

func (e *Evaluator) publish(sinks []ReportSink, reports []vehicle.DiagnosticReport) {
	for _, r := range reports {
		switch r.Level {
		case vehicle.LevelCritical:
			monitoring.Criticalf("diagnostic %s", r)
		case vehicle.LevelError:
			monitoring.Errorf("diagnostic %s", r)
		case vehicle.LevelWarning:
			monitoring.Warnf("diagnostic %s", r)
		case vehicle.LevelInfo:
			monitoring.Infof("diagnostic %s", r)
		}
		for _, fn := range sinks {
			fn(r)
		}
	}
}

// stateIndex returns the arena slot for name, creating it on first use.
func (e *Evaluator) stateIndex(name string) int {
	if i, ok := e.index[name]; ok {
		return i
	}
	e.components = append(e.components, componentState{name: name, since: e.clock.Now()})
	i := len(e.components) - 1
	e.index[name] = i
	return i
}

func (e *Evaluator) sensorObservation(r vehicle.SensorReading, anomalies []vehicle.DiagnosticReport) observation {
	name := vehicle.SensorComponent(r.SensorID)
	st := &e.components[e.stateIndex(name)]
	if r.Valid {
		st.failStreak = 0
	} else {
		st.failStreak++
	}

	if st.failStreak > e.cfg.MaxConsecutiveFailures {
		return observation{name, vehicle.LevelCritical,
			fmt.Sprintf("invalid for more than %d consecutive cycles: %s", e.cfg.MaxConsecutiveFailures, r.Error)}
	}
	level := vehicle.LevelInfo
	msgs := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		if a.Level > level {
			level = a.Level
		}
		msgs = append(msgs, a.Message)
	}
	if len(msgs) == 0 {
		return observation{name, vehicle.LevelInfo, "ok"}
	}
	return observation{name, level, strings.Join(msgs, "; ")}
}

func (e *Evaluator) linkObservation(link vehicle.LinkTelemetry) observation {
	st := &e.components[e.stateIndex(vehicle.ComponentLink)]
	var problem string
	switch {
	case !link.Connected:
		problem = "disconnected"
	case link.CRCFailures > 0:
		problem = fmt.Sprintf("%d crc failures", link.CRCFailures)
	}
	if problem == "" {
		st.failStreak = 0
		if link.ErrorCount > e.cfg.LinkErrorWarning {
			return observation{vehicle.ComponentLink, vehicle.LevelWarning,
				fmt.Sprintf("error count %d above %d", link.ErrorCount, e.cfg.LinkErrorWarning)}
		}
		return observation{vehicle.ComponentLink, vehicle.LevelInfo, "ok"}
	}

	st.failStreak++
	if st.failStreak > e.cfg.LinkCriticalThreshold {
		return observation{vehicle.ComponentLink, vehicle.LevelCritical,
			fmt.Sprintf("%s for more than %d consecutive cycles", problem, e.cfg.LinkCriticalThreshold)}
	}
	return observation{vehicle.ComponentLink, vehicle.LevelError, problem}
}

func (e *Evaluator) actuatorObservation(ctl vehicle.ControlTelemetry) observation {
	st := &e.components[e.stateIndex(vehicle.ComponentActuator)]
	if ctl.Fault {
		st.failStreak++
		if st.failStreak > e.cfg.ActuationFaultThreshold {
			return observation{vehicle.ComponentActuator, vehicle.LevelCritical,
				fmt.Sprintf("more than %d consecutive faults: %s", e.cfg.ActuationFaultThreshold, ctl.FaultError)}
		}
		return observation{vehicle.ComponentActuator, vehicle.LevelError, "fault: " + ctl.FaultError}
	}
	st.failStreak = 0

	if ctl.HasReadback {
		if msg := e.readbackDivergence(ctl.Commanded, ctl.Readback); msg != "" {
			return observation{vehicle.ComponentActuator, vehicle.LevelError, msg}
		}
	}
	return observation{vehicle.ComponentActuator, vehicle.LevelInfo, "ok"}
}

func (e *Evaluator) readbackDivergence(cmd, rb vehicle.ControlCommand) string {
	tol := e.cfg.ReadbackTolerance
	var parts []string
	if d := math.Abs(cmd.SteeringAngle - rb.SteeringAngle); d > tol.SteeringDeg {
		parts = append(parts, fmt.Sprintf("steering off by %.2f°", d))
	}
	if d := math.Abs(cmd.Throttle - rb.Throttle); d > tol.Throttle {
		parts = append(parts, fmt.Sprintf("throttle off by %.3f", d))
	}
	if d := math.Abs(cmd.Brake - rb.Brake); d > tol.Brake {
		parts = append(parts, fmt.Sprintf("brake off by %.3f", d))
	}
	if len(parts) == 0 {
		return ""
	}
	return "readback diverges: " + strings.Join(parts, ", ")
}

// apply runs one observation through the component's hysteresis. It returns a
// report when the raw level changes to a problem level, or when the latched
// level recovers to INFO.
func (e *Evaluator) apply(o observation, now time.Time) (vehicle.DiagnosticReport, bool) {
	st := &e.components[e.stateIndex(o.component)]
	prevLatched := st.latched

	if o.level >= st.latched {
		if o.level > st.latched {
			st.since = now
		}
		st.latched = o.level
		st.message = o.message
		st.lowerStreak = 0
	} else {
		st.lowerStreak++
		if st.lowerStreak >= e.cfg.RecoveryObservations {
			st.latched = o.level
			st.message = o.message
			st.since = now
			st.lowerStreak = 0
		}
	}

	changed := o.level != st.lastLevel
	st.lastLevel = o.level

	record := (o.level > vehicle.LevelInfo && changed) ||
		(st.latched == vehicle.LevelInfo && prevLatched > vehicle.LevelInfo)
	if !record {
		return vehicle.DiagnosticReport{}, false
	}
	msg := o.message
	if o.level == vehicle.LevelInfo {
		msg = fmt.Sprintf("recovered from %s", prevLatched)
	}
	r := vehicle.DiagnosticReport{
		ID:        uuid.NewString(),
		Timestamp: now,
		Component: o.component,
		Level:     o.level,
		Message:   msg,
		Cycle:     e.cycle,
	}
	e.history.Add(r)
	return r, true
}

func (e *Evaluator) summaryLocked(now time.Time) vehicle.DiagnosticSummary {
	var critical, errs, warnings int
	for _, c := range e.components {
		switch c.latched {
		case vehicle.LevelCritical:
			critical++
		case vehicle.LevelError:
			errs++
		case vehicle.LevelWarning:
			warnings++
		case vehicle.LevelInfo:
		}
	}
	e.history.Prune(now)
	return vehicle.NewDiagnosticSummary(now, critical, errs, warnings, e.history.Recent(e.cfg.RecentReports))
}

func groupAnomalies(reports []vehicle.DiagnosticReport) map[string][]vehicle.DiagnosticReport {
	if len(reports) == 0 {
		return nil
	}
	out := make(map[string][]vehicle.DiagnosticReport)
	for _, r := range reports {
		out[r.Component] = append(out[r.Component], r)
	}
	return out
}
