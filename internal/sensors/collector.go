// Package sensors builds one time-aligned SensorFrame per cycle by reading
// every enabled sensor concurrently under a shared deadline.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// Backend reads one sensor. Implementations should honour ctx; a read that
// outlives the collection deadline is abandoned and its result discarded.
type Backend interface {
	Read(ctx context.Context, sensorID string) (vehicle.SensorReading, error)
}

// Stats counts read outcomes for one sensor.
type Stats struct {
	Reads    uint64 `json:"reads"`
	Failures uint64 `json:"failures"`
	Timeouts uint64 `json:"timeouts"`
}

type sensorSlot struct {
	cfg      SensorConfig
	critical bool
	inFlight atomic.Bool

	reads, failures, timeouts atomic.Uint64
}

// Collector owns the enabled sensor set and produces frames.
type Collector struct {
	backend Backend
	clock   timeutil.Clock
	slots   []*sensorSlot
	seq     atomic.Uint64
}

// NewCollector returns a collector for the enabled sensors in cfgs.
func NewCollector(backend Backend, cfgs []SensorConfig, clock timeutil.Clock) (*Collector, error) {
	if backend == nil {
		return nil, errors.New("sensors: nil backend")
	}
	if err := Validate(cfgs); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	forward := 0
	for _, c := range cfgs {
		if c.Enabled && c.ForwardFacing && c.Kind.ObstacleSensor() {
			forward++
		}
	}

	c := &Collector{backend: backend, clock: clock}
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if cfg.ExpectedPeriod == 0 {
			cfg.ExpectedPeriod = DefaultExpectedPeriod
		}
		slot := &sensorSlot{cfg: cfg}
		slot.critical = cfg.SafetyCritical ||
			(forward == 1 && cfg.ForwardFacing && cfg.Kind.ObstacleSensor())
		c.slots = append(c.slots, slot)
	}
	return c, nil
}

// SensorIDs returns the enabled sensor ids in frame order.
func (c *Collector) SensorIDs() []string {
	ids := make([]string, len(c.slots))
	for i, s := range c.slots {
		ids[i] = s.cfg.ID
	}
	return ids
}

// SafetyCritical reports whether failures of sensorID are raised as ERROR.
func (c *Collector) SafetyCritical(sensorID string) bool {
	for _, s := range c.slots {
		if s.cfg.ID == sensorID {
			return s.critical
		}
	}
	return false
}

// Stats returns per-sensor read counters.
func (c *Collector) Stats() map[string]Stats {
	out := make(map[string]Stats, len(c.slots))
	for _, s := range c.slots {
		out[s.cfg.ID] = Stats{Reads: s.reads.Load(), Failures: s.failures.Load(), Timeouts: s.timeouts.Load()}
	}
	return out
}

type readResult struct {
	reading vehicle.SensorReading
	err     error
	done    bool
}

// Collect reads every enabled sensor and returns within timeout (plus
// scheduling slack) whether or not all readings arrived. Missing or failed
// readings are published with Valid=false and an anomaly report.
func (c *Collector) Collect(ctx context.Context, timeout time.Duration) vehicle.SensorFrame {
	start := c.clock.Now()
	seq := c.seq.Add(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		closed  bool
		results = make([]readResult, len(c.slots))
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, slot := range c.slots {
		if !slot.inFlight.CompareAndSwap(false, true) {
			// The previous cycle's read is still outstanding; do not stack
			// another worker on a hung sensor.
			results[i] = readResult{err: fmt.Errorf("%w: previous read still in flight", vehicle.ErrSensorUnavailable), done: true}
			continue
		}
		g.Go(func() error {
			defer slot.inFlight.Store(false)
			r, err := c.backend.Read(gctx, slot.cfg.ID)
			mu.Lock()
			defer mu.Unlock()
			if !closed {
				results[i] = readResult{reading: r, err: err, done: true}
			}
			// A single sensor failure must not cancel the other reads.
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	snapshot := make([]readResult, len(results))
	copy(snapshot, results)
	mu.Unlock()

	end := c.clock.Now()
	readings := make([]vehicle.SensorReading, len(c.slots))
	var anomalies []vehicle.DiagnosticReport
	for i, slot := range c.slots {
		reading, reports := c.finish(slot, snapshot[i], start, end, timeout)
		readings[i] = reading
		anomalies = append(anomalies, reports...)
	}
	return vehicle.NewSensorFrame(seq, readings, anomalies)
}

func (c *Collector) finish(slot *sensorSlot, res readResult, start, end time.Time, timeout time.Duration) (vehicle.SensorReading, []vehicle.DiagnosticReport) {
	cfg := slot.cfg
	failLevel := vehicle.LevelWarning
	if slot.critical {
		failLevel = vehicle.LevelError
	}
	report := func(level vehicle.Level, format string, args ...interface{}) vehicle.DiagnosticReport {
		return vehicle.DiagnosticReport{
			Timestamp: end,
			Component: vehicle.SensorComponent(cfg.ID),
			Level:     level,
			Message:   fmt.Sprintf(format, args...),
		}
	}
	invalid := func(reason string) vehicle.SensorReading {
		return vehicle.SensorReading{SensorID: cfg.ID, Kind: cfg.Kind, Timestamp: end, Valid: false, Error: reason}
	}

	slot.reads.Add(1)
	switch {
	case !res.done, errors.Is(res.err, context.DeadlineExceeded):
		slot.timeouts.Add(1)
		return invalid("timeout"), []vehicle.DiagnosticReport{
			report(failLevel, "no reading within %s", timeout),
		}
	case res.err != nil:
		slot.failures.Add(1)
		return invalid(res.err.Error()), []vehicle.DiagnosticReport{
			report(failLevel, "read failed: %v", res.err),
		}
	case !res.reading.Valid:
		slot.failures.Add(1)
		reason := res.reading.Error
		if reason == "" {
			reason = "backend marked reading invalid"
		}
		return invalid(reason), []vehicle.DiagnosticReport{
			report(failLevel, "invalid reading: %s", reason),
		}
	}

	r := res.reading
	r.SensorID = cfg.ID
	r.Kind = cfg.Kind
	if r.Timestamp.IsZero() {
		r.Timestamp = end
	}

	var reports []vehicle.DiagnosticReport
	maxAge := 2 * cfg.ExpectedPeriod.Std()
	if age := start.Sub(r.Timestamp); age > maxAge {
		reports = append(reports, report(vehicle.LevelWarning, "stale reading: age %s exceeds %s", age.Round(time.Millisecond), maxAge))
	}

	names := make([]string, 0, len(cfg.Limits))
	for name := range cfg.Limits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, ok := r.Values[name]
		if !ok {
			continue
		}
		lim := cfg.Limits[name]
		if v < lim.Min || v > lim.Max {
			reports = append(reports, report(vehicle.LevelWarning, "%s=%g outside [%g, %g]", name, v, lim.Min, lim.Max))
		}
	}
	return r, reports
}
