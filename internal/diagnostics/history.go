package diagnostics

import (
	"time"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

// History is a fixed-capacity ring of reports. Reports older than maxAge are
// dropped by Prune; when full, Add overwrites the oldest entry.
type History struct {
	reports  []vehicle.DiagnosticReport
	capacity int
	maxAge   time.Duration
	head     int // next write position
	size     int
}

// NewHistory creates a history holding at most capacity reports. A zero
// maxAge disables the age bound.
func NewHistory(capacity int, maxAge time.Duration) *History {
	if capacity < 1 {
		capacity = 100
	}
	return &History{
		reports:  make([]vehicle.DiagnosticReport, capacity),
		capacity: capacity,
		maxAge:   maxAge,
	}
}

// Add appends r, overwriting the oldest report if the ring is full.
func (h *History) Add(r vehicle.DiagnosticReport) {
	h.reports[h.head] = r
	h.head = (h.head + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

// Prune drops reports older than maxAge relative to now. Reports are stored
// in arrival order, so pruning stops at the first report that is young enough.
func (h *History) Prune(now time.Time) int {
	if h.maxAge <= 0 {
		return 0
	}
	dropped := 0
	for h.size > 0 {
		oldest := (h.head - h.size + h.capacity) % h.capacity
		if now.Sub(h.reports[oldest].Timestamp) <= h.maxAge {
			break
		}
		h.reports[oldest] = vehicle.DiagnosticReport{}
		h.size--
		dropped++
	}
	return dropped
}

// Len returns the number of stored reports.
func (h *History) Len() int { return h.size }

// Capacity returns the maximum number of stored reports.
func (h *History) Capacity() int { return h.capacity }

// All returns the stored reports, oldest first.
func (h *History) All() []vehicle.DiagnosticReport {
	return h.Recent(h.size)
}

// Recent returns up to n of the newest reports, oldest first.
func (h *History) Recent(n int) []vehicle.DiagnosticReport {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]vehicle.DiagnosticReport, n)
	for i := 0; i < n; i++ {
		idx := (h.head - n + i + h.capacity) % h.capacity
		out[i] = h.reports[idx]
	}
	return out
}
