package diagnostics

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

func reportsNamed(base time.Time, names ...string) []vehicle.DiagnosticReport {
	out := make([]vehicle.DiagnosticReport, len(names))
	for i, n := range names {
		out[i] = vehicle.DiagnosticReport{Component: n, Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func components(rs []vehicle.DiagnosticReport) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Component
	}
	return out
}

func TestHistory_Wraps(t *testing.T) {
	h := NewHistory(3, 0)
	base := time.Unix(1700000000, 0)
	for _, r := range reportsNamed(base, "a", "b", "c", "d", "e") {
		h.Add(r)
	}
	if h.Len() != 3 || h.Capacity() != 3 {
		t.Fatalf("len/cap = %d/%d", h.Len(), h.Capacity())
	}
	if diff := cmp.Diff([]string{"c", "d", "e"}, components(h.All())); diff != "" {
		t.Errorf("All (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"d", "e"}, components(h.Recent(2))); diff != "" {
		t.Errorf("Recent(2) (-want +got):\n%s", diff)
	}
	if got := h.Recent(10); len(got) != 3 {
		t.Errorf("Recent(10) = %d entries", len(got))
	}
	if h.Recent(0) != nil {
		t.Error("Recent(0) should be nil")
	}
}

func TestHistory_Prune(t *testing.T) {
	base := time.Unix(1700000000, 0)
	h := NewHistory(10, 2*time.Second)
	for _, r := range reportsNamed(base, "a", "b", "c", "d") {
		h.Add(r)
	}
	// d is at +3s; at +4s everything older than +2s goes.
	if dropped := h.Prune(base.Add(4 * time.Second)); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if diff := cmp.Diff([]string{"c", "d"}, components(h.All())); diff != "" {
		t.Errorf("after prune (-want +got):\n%s", diff)
	}
	h.Add(vehicle.DiagnosticReport{Component: "e", Timestamp: base.Add(5 * time.Second)})
	if diff := cmp.Diff([]string{"c", "d", "e"}, components(h.All())); diff != "" {
		t.Errorf("after add (-want +got):\n%s", diff)
	}

	unbounded := NewHistory(2, 0)
	unbounded.Add(vehicle.DiagnosticReport{Timestamp: base})
	if unbounded.Prune(base.Add(time.Hour)) != 0 {
		t.Error("zero max age must not prune")
	}
}
