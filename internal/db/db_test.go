package db

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBAppliesMigrations(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version != 2 || dirty {
		t.Fatalf("version=%d dirty=%v, want 2 clean", version, dirty)
	}

	for _, table := range []string{"diagnostic_reports", "emergency_events"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	// Re-running on a current schema is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	monitoring.SetLogger(nil)
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	ts := time.Unix(1700000000, 0).UTC()
	if err := db.RecordReport(vehicle.DiagnosticReport{ID: "a", Timestamp: ts, Component: "link", Level: vehicle.LevelError, Message: "down"}); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}
	db.Close()

	db, err = NewDB(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	got, err := db.RecentReports(10)
	if err != nil {
		t.Fatalf("RecentReports: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got %+v, want the single stored report", got)
	}
}

func TestRecentReportsOrderAndLimit(t *testing.T) {
	db := setupTestDB(t)
	base := time.Unix(1700000000, 0).UTC()

	for i := 0; i < 5; i++ {
		r := vehicle.DiagnosticReport{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Component: vehicle.SensorComponent("lidar_front"),
			Level:     vehicle.LevelWarning,
			Message:   "stale",
			Cycle:     uint64(i + 1),
		}
		if err := db.RecordReport(r); err != nil {
			t.Fatalf("RecordReport %d: %v", i, err)
		}
	}

	got, err := db.RecentReports(3)
	if err != nil {
		t.Fatalf("RecentReports: %v", err)
	}
	want := []vehicle.DiagnosticReport{
		{ID: "e", Timestamp: base.Add(4 * time.Second), Component: "sensor/lidar_front", Level: vehicle.LevelWarning, Message: "stale", Cycle: 5},
		{ID: "d", Timestamp: base.Add(3 * time.Second), Component: "sensor/lidar_front", Level: vehicle.LevelWarning, Message: "stale", Cycle: 4},
		{ID: "c", Timestamp: base.Add(2 * time.Second), Component: "sensor/lidar_front", Level: vehicle.LevelWarning, Message: "stale", Cycle: 3},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RecentReports mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordReportWithoutID(t *testing.T) {
	db := setupTestDB(t)
	ts := time.Unix(1700000100, 5).UTC()
	if err := db.RecordReport(vehicle.DiagnosticReport{Timestamp: ts, Component: "actuator", Level: vehicle.LevelCritical, Message: "no ack"}); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}
	got, err := db.RecentReports(0)
	if err != nil {
		t.Fatalf("RecentReports: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d reports, want 1", len(got))
	}
	if got[0].ID == "" {
		t.Errorf("expected a synthetic ID")
	}
	if got[0].Level != vehicle.LevelCritical || !got[0].Timestamp.Equal(ts) {
		t.Errorf("unexpected report %+v", got[0])
	}
}

func TestComponentReportsAndPrune(t *testing.T) {
	db := setupTestDB(t)
	base := time.Unix(1700000000, 0).UTC()
	reports := []vehicle.DiagnosticReport{
		{ID: "1", Timestamp: base, Component: "link", Level: vehicle.LevelError, Message: "disconnected"},
		{ID: "2", Timestamp: base.Add(time.Minute), Component: "actuator", Level: vehicle.LevelError, Message: "fault"},
		{ID: "3", Timestamp: base.Add(2 * time.Minute), Component: "link", Level: vehicle.LevelInfo, Message: "recovered from error"},
	}
	for _, r := range reports {
		if err := db.RecordReport(r); err != nil {
			t.Fatalf("RecordReport: %v", err)
		}
	}

	link, err := db.ComponentReports("link", 10)
	if err != nil {
		t.Fatalf("ComponentReports: %v", err)
	}
	if len(link) != 2 || link[0].ID != "3" || link[1].ID != "1" {
		t.Fatalf("ComponentReports(link) = %+v", link)
	}

	n, err := db.PruneReports(base.Add(90 * time.Second))
	if err != nil {
		t.Fatalf("PruneReports: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	left, _ := db.RecentReports(10)
	if len(left) != 1 || left[0].ID != "3" {
		t.Errorf("after prune got %+v", left)
	}
}

func TestEmergencyEvents(t *testing.T) {
	db := setupTestDB(t)
	base := time.Unix(1700000000, 0).UTC()

	events := []vehicle.EmergencyEvent{
		{Timestamp: base, Engaged: true, Reason: "diagnostic critical"},
		{Timestamp: base.Add(time.Minute), Engaged: false, Operator: "alice"},
	}
	for _, e := range events {
		if err := db.RecordEmergencyEvent(e); err != nil {
			t.Fatalf("RecordEmergencyEvent: %v", err)
		}
	}

	got, err := db.EmergencyEvents(10)
	if err != nil {
		t.Fatalf("EmergencyEvents: %v", err)
	}
	want := []vehicle.EmergencyEvent{events[1], events[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EmergencyEvents mismatch (-want +got):\n%s", diff)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultQueryLimit},
		{-5, DefaultQueryLimit},
		{7, 7},
		{DefaultQueryLimit * 10, DefaultQueryLimit * 10},
		{DefaultQueryLimit*10 + 1, DefaultQueryLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAdminRoutesBackup(t *testing.T) {
	db := setupTestDB(t)
	if err := db.RecordReport(vehicle.DiagnosticReport{ID: "x", Timestamp: time.Now(), Component: "link", Level: vehicle.LevelWarning, Message: "errors"}); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Content-Type = %q", ct)
	}
	gz, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	raw, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("SQLite format 3\x00")) {
		t.Errorf("backup is not a sqlite file")
	}
}

func TestAdminRoutesTailSQL(t *testing.T) {
	db := setupTestDB(t)
	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/tailsql/", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code == http.StatusNotFound {
		t.Error("expected /debug/tailsql/ to be registered, got 404")
	}
}
