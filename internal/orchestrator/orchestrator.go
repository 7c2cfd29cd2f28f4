// Package orchestrator runs the fixed-rate safety loop: collect, diagnose,
// infer, decide, control, actuate, publish.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autoflux/internal/actuation"
	"github.com/banshee-data/autoflux/internal/control"
	"github.com/banshee-data/autoflux/internal/diagnostics"
	"github.com/banshee-data/autoflux/internal/metrics"
	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/perception"
	"github.com/banshee-data/autoflux/internal/policy"
	"github.com/banshee-data/autoflux/internal/sensors"
	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// Snapshot is the immutable outcome of one cycle. A new value is published
// every cycle; readers never see a partially built snapshot.
type Snapshot struct {
	CycleID    string                    `json:"cycle_id"`
	Cycle      uint64                    `json:"cycle"`
	Start      time.Time                 `json:"start"`
	Frame      vehicle.SensorFrame       `json:"frame"`
	Summary    vehicle.DiagnosticSummary `json:"summary"`
	Perception vehicle.PerceptionResult  `json:"perception"`
	Desired    vehicle.ControlCommand    `json:"desired"`
	Command    vehicle.ControlCommand    `json:"command"`
	State      vehicle.VehicleState      `json:"state"`
	Mode       vehicle.ControlMode       `json:"mode"`
	Emergency  bool                      `json:"emergency"`
	Telemetry  vehicle.ControlTelemetry  `json:"telemetry"`
	Link       vehicle.LinkTelemetry     `json:"link"`
	Work       time.Duration             `json:"work"`
	Overrun    bool                      `json:"overrun"`
}

// Deps are the components the loop drives. Link may be nil when Actuator
// also implements actuation.Link.
type Deps struct {
	Collector  *sensors.Collector
	Evaluator  *diagnostics.Evaluator
	Perception *perception.Runner
	Policy     policy.Policy
	Controller *control.Controller
	Actuator   actuation.Backend
	Link       actuation.Link
	Metrics    *metrics.Metrics
	Clock      timeutil.Clock
}

// Status is the orchestrator summary served by the monitoring API.
type Status struct {
	Running       bool                     `json:"running"`
	EmergencyMode bool                     `json:"emergency_mode"`
	Mode          vehicle.ControlMode      `json:"mode"`
	CycleCount    uint64                   `json:"cycle_count"`
	UpdateRateHz  float64                  `json:"update_rate_hz"`
	LastCycleID   string                   `json:"last_cycle_id,omitempty"`
	Health        vehicle.HealthStatus     `json:"health"`
	Timing        TimingStats              `json:"timing"`
	Perception    perception.Stats         `json:"perception"`
	Sensors       map[string]sensors.Stats `json:"sensors"`
	Controller    control.Status           `json:"controller"`
}

type Orchestrator struct {
	cfg   Config
	deps  Deps
	clock timeutil.Clock

	running atomic.Bool
	cycles  atomic.Uint64
	latest  atomic.Pointer[Snapshot]
	timings *timingRing

	// Owned by the loop goroutine.
	telemetry      vehicle.ControlTelemetry
	lastPerception vehicle.PerceptionResult
	lastStatusLog  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	hooks  []func(*Snapshot)
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	switch {
	case deps.Collector == nil:
		return nil, errors.New("orchestrator: nil collector")
	case deps.Evaluator == nil:
		return nil, errors.New("orchestrator: nil evaluator")
	case deps.Perception == nil:
		return nil, errors.New("orchestrator: nil perception runner")
	case deps.Policy == nil:
		return nil, errors.New("orchestrator: nil policy")
	case deps.Controller == nil:
		return nil, errors.New("orchestrator: nil controller")
	case deps.Actuator == nil:
		return nil, errors.New("orchestrator: nil actuator")
	}
	if deps.Link == nil {
		link, ok := deps.Actuator.(actuation.Link)
		if !ok {
			return nil, errors.New("orchestrator: actuator has no link telemetry and no Link was given")
		}
		deps.Link = link
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Metrics != nil {
		deps.Evaluator.AddSink(deps.Metrics.ObserveReport)
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		timings: newTimingRing(cfg.TimingWindow),
	}, nil
}

// OnCycle registers fn to run after each published snapshot, on the loop
// goroutine. fn must not block.
func (o *Orchestrator) OnCycle(fn func(*Snapshot)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks = append(o.hooks, fn)
}

// Run drives cycles at the configured rate until ctx is cancelled or Stop
// is called. A failing or panicking cycle is recorded and the loop goes on.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	period := o.cfg.Period()
	monitoring.Infof("orchestrator started at %.1f Hz (period %s)", o.cfg.UpdateRateHz, period)
	o.lastStatusLog = o.clock.Now()

	for {
		if ctx.Err() != nil {
			break
		}
		wait := period
		snap, err := o.RunCycle(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			monitoring.Errorf("cycle failed: %v", err)
		case snap.Overrun:
			o.maybeLogStatus()
			continue
		default:
			o.maybeLogStatus()
			wait = period - snap.Work
		}
		timer := o.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C():
		}
	}
	monitoring.Infof("orchestrator stopped after %d cycles", o.cycles.Load())
	return nil
}

// Stop ends a running loop. It does not wait for Run to return.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Running reports whether Run is active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// RunCycle executes exactly one cycle and publishes its snapshot. It returns
// an error, without publishing, when ctx ends mid-cycle or the cycle panics.
func (o *Orchestrator) RunCycle(ctx context.Context) (snap *Snapshot, err error) {
	defer func() {
		if p := recover(); p != nil {
			o.deps.Metrics.IncCyclePanic()
			o.deps.Evaluator.Observe(vehicle.ComponentOrchestrator, vehicle.LevelError, fmt.Sprintf("cycle panic: %v", p))
			snap, err = nil, fmt.Errorf("cycle panic: %v", p)
		}
	}()
	return o.cycle(ctx)
}

func (o *Orchestrator) cycle(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := o.clock.Now()
	n := o.cycles.Add(1)
	snap := &Snapshot{CycleID: uuid.NewString(), Cycle: n, Start: start}
	m := o.deps.Metrics

	stage := start
	mark := func(name string) {
		now := o.clock.Now()
		m.ObserveStage(name, now.Sub(stage))
		stage = now
	}

	snap.Frame = o.deps.Collector.Collect(ctx, o.cfg.SensorBudget())
	mark(metrics.StageSensors)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.ObserveFrame(snap.Frame)

	snap.Link = o.deps.Link.Telemetry()
	o.deps.Evaluator.Evaluate(snap.Frame, o.telemetry, snap.Link)
	mark(metrics.StageDiagnostics)

	snap.Perception = o.infer(ctx, snap.Frame, start.Add(o.cfg.PerceptionDeadline()))
	mark(metrics.StagePerception)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The perception observation above may have changed the latched levels.
	snap.Summary = o.deps.Evaluator.Summary()
	m.SetHealth(snap.Summary.Status)

	ctl := o.deps.Controller
	snap.Desired = o.deps.Policy.Decide(policy.Input{
		Frame:      snap.Frame,
		Perception: snap.Perception,
		Summary:    snap.Summary,
		State:      ctl.State(),
		Mode:       ctl.Mode(),
		Now:        o.clock.Now(),
	})
	mark(metrics.StagePolicy)

	snap.Command = ctl.ExecuteCommand(snap.Desired, snap.Summary)
	snap.State = ctl.State()
	snap.Mode = ctl.Mode()
	snap.Emergency = ctl.Emergency()
	mark(metrics.StageControl)

	snap.Telemetry = o.actuate(ctx, snap.Command)
	o.telemetry = snap.Telemetry
	mark(metrics.StageActuation)
	m.SetControl(snap.Mode, snap.Emergency, snap.State, snap.Command)

	snap.Work = o.clock.Since(start)
	period := o.cfg.Period()
	snap.Overrun = snap.Work > period
	if snap.Overrun {
		o.deps.Evaluator.Observe(vehicle.ComponentOrchestrator, vehicle.LevelWarning,
			fmt.Sprintf("cycle overrun: work %s exceeds period %s", snap.Work.Round(time.Microsecond), period))
	} else {
		o.deps.Evaluator.Observe(vehicle.ComponentOrchestrator, vehicle.LevelInfo, "cycle within period")
	}
	m.ObserveCycle(snap.Work, snap.Overrun)
	o.timings.add(CycleTiming{Cycle: n, Start: start, Work: snap.Work, Overrun: snap.Overrun})

	o.latest.Store(snap)
	o.mu.Lock()
	hooks := o.hooks
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(snap)
	}
	return snap, nil
}

// infer returns a fresh perception result, or the last known one marked
// stale when inference misses its deadline or fails.
func (o *Orchestrator) infer(ctx context.Context, frame vehicle.SensorFrame, deadline time.Time) vehicle.PerceptionResult {
	res, err := o.deps.Perception.Infer(ctx, frame, deadline)
	if err != nil {
		o.deps.Metrics.IncPerceptionStale()
		o.deps.Evaluator.Observe(vehicle.ComponentPerception, vehicle.LevelWarning, err.Error())
		stale := o.lastPerception
		stale.Stale = true
		return stale
	}
	o.deps.Evaluator.Observe(vehicle.ComponentPerception, vehicle.LevelInfo, "inference within budget")
	o.lastPerception = res
	return res
}

// actuate sends cmd and describes the outcome for the next cycle's
// diagnostics.
func (o *Orchestrator) actuate(ctx context.Context, cmd vehicle.ControlCommand) vehicle.ControlTelemetry {
	actx, cancel := context.WithTimeout(ctx, o.cfg.ActuationTimeout.Std())
	defer cancel()

	tel := vehicle.ControlTelemetry{Commanded: cmd}
	ack, err := o.deps.Actuator.Apply(actx, cmd)
	if err != nil {
		tel.Fault = true
		tel.FaultError = err.Error()
		o.deps.Controller.ObserveActuation(tel)
		o.deps.Metrics.IncActuationFault()
		if !errors.Is(err, vehicle.ErrActuationFault) {
			err = fmt.Errorf("%w: %w", vehicle.ErrActuationFault, err)
		}
		monitoring.Warnf("actuation: %v", err)
		return tel
	}
	tel.Readback = ack.Readback
	tel.HasReadback = ack.HasReadback
	o.deps.Controller.ObserveActuation(tel)
	return tel
}

func (o *Orchestrator) maybeLogStatus() {
	interval := o.cfg.StatusLogInterval.Std()
	if interval <= 0 {
		return
	}
	now := o.clock.Now()
	if now.Sub(o.lastStatusLog) < interval {
		return
	}
	o.lastStatusLog = now
	st := o.Status()
	monitoring.Infof("status: cycles=%d mode=%s emergency=%v health=%s work mean=%.2fms p99=%.2fms overruns=%d",
		st.CycleCount, st.Mode, st.EmergencyMode, st.Health, st.Timing.MeanMs, st.Timing.P99Ms, st.Timing.Overruns)
}

// Latest returns the most recent snapshot, or nil before the first cycle.
func (o *Orchestrator) Latest() *Snapshot {
	return o.latest.Load()
}

// EmergencyStop engages the emergency brake. It is idempotent.
func (o *Orchestrator) EmergencyStop(reason string) {
	if reason == "" {
		reason = "operator request"
	}
	o.deps.Controller.EmergencyBrake(reason)
}

// SetMode changes the control mode. It fails while the emergency stop is set.
func (o *Orchestrator) SetMode(mode vehicle.ControlMode) error {
	return o.deps.Controller.SetMode(mode)
}

// ResetEmergency clears the emergency stop. It is refused while the
// diagnostics are still critical, since the next cycle would re-engage it.
func (o *Orchestrator) ResetEmergency(operator string) error {
	if s := o.deps.Evaluator.Summary(); s.Status == vehicle.StatusCritical {
		return fmt.Errorf("%w: %d component(s) still critical", vehicle.ErrDiagnosticCritical, s.CriticalCount)
	}
	return o.deps.Controller.ResetEmergency(operator)
}

// Timings returns the retained cycle timing series, oldest first.
func (o *Orchestrator) Timings() []CycleTiming {
	return o.timings.all()
}

func (o *Orchestrator) Status() Status {
	ctl := o.deps.Controller
	st := Status{
		Running:       o.running.Load(),
		EmergencyMode: ctl.Emergency(),
		Mode:          ctl.Mode(),
		CycleCount:    o.cycles.Load(),
		UpdateRateHz:  o.cfg.UpdateRateHz,
		Health:        o.deps.Evaluator.Summary().Status,
		Timing:        o.timings.stats(),
		Perception:    o.deps.Perception.Stats(),
		Sensors:       o.deps.Collector.Stats(),
		Controller:    ctl.Status(),
	}
	if snap := o.latest.Load(); snap != nil {
		st.LastCycleID = snap.CycleID
	}
	return st
}

// Diagnostics is the detailed diagnostic view served by the API.
type Diagnostics struct {
	Summary    vehicle.DiagnosticSummary     `json:"summary"`
	Components []diagnostics.ComponentStatus `json:"components"`
	History    []vehicle.DiagnosticReport    `json:"history"`
}

func (o *Orchestrator) Diagnostics() Diagnostics {
	ev := o.deps.Evaluator
	return Diagnostics{
		Summary:    ev.Summary(),
		Components: ev.Components(),
		History:    ev.History(),
	}
}
