package vehicle

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNewDiagnosticSummary_StatusFollowsCounts(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	tests := []struct {
		critical, errs, warnings int
		want                     HealthStatus
	}{
		{0, 0, 0, StatusHealthy},
		{0, 0, 3, StatusWarning},
		{0, 1, 3, StatusError},
		{1, 0, 0, StatusCritical},
		{2, 5, 9, StatusCritical},
	}
	for _, tt := range tests {
		s := NewDiagnosticSummary(ts, tt.critical, tt.errs, tt.warnings, nil)
		if s.Status != tt.want {
			t.Errorf("counts (%d,%d,%d): status %s, want %s", tt.critical, tt.errs, tt.warnings, s.Status, tt.want)
		}
	}
}

func TestParseControlMode(t *testing.T) {
	for _, name := range []string{"manual", "ASSISTED", " autonomous ", "emergency"} {
		if _, err := ParseControlMode(name); err != nil {
			t.Errorf("ParseControlMode(%q): %v", name, err)
		}
	}
	_, err := ParseControlMode("warp")
	if !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("ParseControlMode(warp) = %v, want ErrInvalidMode", err)
	}
	if ModeEmergency.Selectable() {
		t.Error("emergency must not be selectable")
	}
	if !ModeAutonomous.Selectable() {
		t.Error("autonomous must be selectable")
	}
}

func TestEnumJSON(t *testing.T) {
	type wrapper struct {
		Kind   SensorKind   `json:"kind"`
		Level  Level        `json:"level"`
		Mode   ControlMode  `json:"mode"`
		Health HealthStatus `json:"health"`
	}
	in := wrapper{Kind: SensorRadar, Level: LevelCritical, Mode: ModeAssisted, Health: StatusError}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), `{"kind":"radar","level":"critical","mode":"assisted","health":"error"}`; got != want {
		t.Fatalf("marshal = %s, want %s", got, want)
	}
	var out wrapper
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
	if err := json.Unmarshal([]byte(`{"kind":"sonar"}`), &out); err == nil {
		t.Error("unknown sensor kind must fail")
	}
	if err := json.Unmarshal([]byte(`{"health":"fine"}`), &out); err == nil {
		t.Error("unknown health status must fail")
	}
}

func TestSensorFrame(t *testing.T) {
	base := time.Unix(1700000000, 0)
	readings := []SensorReading{
		{SensorID: "a", Timestamp: base, Valid: true},
		{SensorID: "b", Timestamp: base.Add(30 * time.Millisecond), Valid: false},
		{SensorID: "c", Timestamp: base.Add(10 * time.Millisecond), Valid: true},
	}
	f := NewSensorFrame(7, readings, nil)
	if !f.Timestamp.Equal(base.Add(30 * time.Millisecond)) {
		t.Errorf("frame timestamp = %v, want newest reading", f.Timestamp)
	}
	if f.InvalidCount() != 1 {
		t.Errorf("InvalidCount = %d, want 1", f.InvalidCount())
	}
	got, ok := f.Get("c")
	if !ok {
		t.Fatal("Get(c) missing")
	}
	if diff := cmp.Diff(readings[2], got); diff != "" {
		t.Errorf("Get(c) (-want +got):\n%s", diff)
	}

	// A frame decoded from JSON has no index and falls back to a scan.
	b, _ := json.Marshal(f)
	var decoded SensorFrame
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded.Get("b"); !ok {
		t.Error("Get on decoded frame")
	}
	if diff := cmp.Diff(f, decoded, cmpopts.IgnoreUnexported(SensorFrame{})); diff != "" {
		t.Errorf("decoded frame (-want +got):\n%s", diff)
	}
}

func TestPerceptionNearest(t *testing.T) {
	p := PerceptionResult{Detections: []Detection{
		{Class: "pedestrian", DistanceM: 30},
		{Class: "vehicle", DistanceM: 5},
		{Class: "pedestrian", DistanceM: 12},
		{Class: "pedestrian", DistanceM: 80},
	}}
	d, ok := p.Nearest("pedestrian", 50)
	if !ok || d.DistanceM != 12 {
		t.Errorf("Nearest = %+v, %v; want 12m pedestrian", d, ok)
	}
	if _, ok := p.Nearest("pedestrian", 10); ok {
		t.Error("nothing should be within 10m")
	}
}
