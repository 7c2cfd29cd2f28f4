// Package perception wraps the external inference backend with a deadline
// and a single in-flight call, and keeps its performance statistics.
package perception

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// Backend runs object and lane detection on a frame. Implementations should
// honour ctx, but Runner does not rely on it.
type Backend interface {
	Infer(ctx context.Context, frame vehicle.SensorFrame) (vehicle.PerceptionResult, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, frame vehicle.SensorFrame) (vehicle.PerceptionResult, error)

func (f BackendFunc) Infer(ctx context.Context, frame vehicle.SensorFrame) (vehicle.PerceptionResult, error) {
	return f(ctx, frame)
}

// Stats summarises completed inferences.
type Stats struct {
	TotalInferences uint64        `json:"total_inferences"`
	TotalTime       time.Duration `json:"total_time"`
	AverageTime     time.Duration `json:"average_time"`
	FPS             float64       `json:"fps"`
	Timeouts        uint64        `json:"timeouts"`
	Failures        uint64        `json:"failures"`
}

type outcome struct {
	result vehicle.PerceptionResult
	err    error
}

// Runner makes bounded calls to a Backend. A call still running when its
// deadline passes is abandoned; its result is dropped when it arrives and no
// new call is started until it has returned.
type Runner struct {
	backend Backend
	clock   timeutil.Clock

	inFlight atomic.Bool

	mu        sync.Mutex
	count     uint64
	totalTime time.Duration
	timeouts  uint64
	failures  uint64
}

// NewRunner wraps backend. A nil clock uses the wall clock.
func NewRunner(backend Backend, clock timeutil.Clock) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{backend: backend, clock: clock}
}

// Infer runs the backend on frame and waits until deadline at most. It
// returns an error wrapping vehicle.ErrPerceptionTimeout when no result is
// available in time.
func (r *Runner) Infer(ctx context.Context, frame vehicle.SensorFrame, deadline time.Time) (vehicle.PerceptionResult, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.noteTimeout()
		return vehicle.PerceptionResult{}, fmt.Errorf("%w: previous inference still running", vehicle.ErrPerceptionTimeout)
	}

	start := r.clock.Now()
	budget := deadline.Sub(start)
	ctx, cancel := context.WithTimeout(ctx, budget)
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if p := recover(); p != nil {
				out = outcome{err: fmt.Errorf("inference panic: %v", p)}
			}
			r.inFlight.Store(false)
			done <- out
		}()
		out.result, out.err = r.backend.Infer(ctx, frame)
	}()

	timer := r.clock.NewTimer(budget)
	defer timer.Stop()
	select {
	case out := <-done:
		cancel()
		if out.err != nil {
			r.mu.Lock()
			r.failures++
			r.mu.Unlock()
			return vehicle.PerceptionResult{}, fmt.Errorf("inference failed: %w", out.err)
		}
		elapsed := r.clock.Since(start)
		r.mu.Lock()
		r.count++
		r.totalTime += elapsed
		r.mu.Unlock()
		res := out.result
		res.FrameSequence = frame.Sequence
		if res.Timestamp.IsZero() {
			res.Timestamp = r.clock.Now()
		}
		if res.InferenceTime == 0 {
			res.InferenceTime = elapsed
		}
		res.Stale = false
		return res, nil
	case <-timer.C():
	case <-ctx.Done():
	}
	cancel()
	r.noteTimeout()
	return vehicle.PerceptionResult{}, fmt.Errorf("%w: no result within %s", vehicle.ErrPerceptionTimeout, budget.Round(time.Millisecond))
}

func (r *Runner) noteTimeout() {
	r.mu.Lock()
	r.timeouts++
	r.mu.Unlock()
}

// Stats returns the accumulated performance statistics.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		TotalInferences: r.count,
		TotalTime:       r.totalTime,
		Timeouts:        r.timeouts,
		Failures:        r.failures,
	}
	if r.count > 0 {
		s.AverageTime = r.totalTime / time.Duration(r.count)
		if s.AverageTime > 0 {
			s.FPS = float64(time.Second) / float64(s.AverageTime)
		}
	}
	return s
}

// ResetStats clears the statistics.
func (r *Runner) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count, r.totalTime, r.timeouts, r.failures = 0, 0, 0, 0
}
