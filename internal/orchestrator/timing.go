package orchestrator

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// CycleTiming is one point of the cycle timing series.
type CycleTiming struct {
	Cycle   uint64        `json:"cycle"`
	Start   time.Time     `json:"start"`
	Work    time.Duration `json:"work"`
	Overrun bool          `json:"overrun"`
}

// TimingStats summarises the recent cycle work durations in milliseconds.
type TimingStats struct {
	Count    int     `json:"count"`
	MeanMs   float64 `json:"mean_ms"`
	StdDevMs float64 `json:"stddev_ms"`
	P50Ms    float64 `json:"p50_ms"`
	P99Ms    float64 `json:"p99_ms"`
	MaxMs    float64 `json:"max_ms"`
	// JitterMs is the standard deviation of the start-to-start interval.
	JitterMs float64 `json:"jitter_ms"`
	Overruns int     `json:"overruns"`
}

// timingRing keeps the last capacity cycle timings.
type timingRing struct {
	mu       sync.Mutex
	buf      []CycleTiming
	head     int
	size     int
	capacity int
}

func newTimingRing(capacity int) *timingRing {
	return &timingRing{buf: make([]CycleTiming, capacity), capacity: capacity}
}

func (r *timingRing) add(t CycleTiming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = t
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// all returns the retained timings, oldest first.
func (r *timingRing) all() []CycleTiming {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CycleTiming, r.size)
	start := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out
}

func (r *timingRing) stats() TimingStats {
	return computeStats(r.all())
}

func computeStats(series []CycleTiming) TimingStats {
	st := TimingStats{Count: len(series)}
	if len(series) == 0 {
		return st
	}

	work := make([]float64, len(series))
	for i, t := range series {
		work[i] = durationMs(t.Work)
		if t.Overrun {
			st.Overruns++
		}
	}
	st.MeanMs = stat.Mean(work, nil)
	if len(work) > 1 {
		st.StdDevMs = stat.StdDev(work, nil)
	}
	st.MaxMs = floats.Max(work)

	sorted := append([]float64(nil), work...)
	sort.Float64s(sorted)
	st.P50Ms = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	st.P99Ms = stat.Quantile(0.99, stat.Empirical, sorted, nil)

	if len(series) > 2 {
		intervals := make([]float64, len(series)-1)
		for i := 1; i < len(series); i++ {
			intervals[i-1] = durationMs(series[i].Start.Sub(series[i-1].Start))
		}
		st.JitterMs = stat.StdDev(intervals, nil)
	}
	return st
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
