package db

import (
	"context"
	"testing"
	"time"

	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

func countReports(t *testing.T, db *DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM diagnostic_reports`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestPrunerRunOnce(t *testing.T) {
	db := setupTestDB(t)
	now := time.Unix(1700000000, 0)
	for i, age := range []time.Duration{3 * time.Hour, 90 * time.Minute, 10 * time.Minute} {
		r := vehicle.DiagnosticReport{ID: string(rune('a' + i)), Component: "sensor/gps", Level: vehicle.LevelWarning, Timestamp: now.Add(-age)}
		if err := db.RecordReport(r); err != nil {
			t.Fatalf("RecordReport: %v", err)
		}
	}

	p := NewPruner(db, time.Hour, time.Minute)
	p.Clock = timeutil.NewMockClock(now)
	n, err := p.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 || countReports(t, db) != 1 {
		t.Errorf("pruned %d, %d left; want 2 pruned, 1 left", n, countReports(t, db))
	}
}

func TestPrunerRunTicks(t *testing.T) {
	db := setupTestDB(t)
	start := time.Unix(1700000000, 0)
	clock := timeutil.NewMockClock(start)
	if err := db.RecordReport(vehicle.DiagnosticReport{ID: "x", Component: "link", Level: vehicle.LevelError, Timestamp: start}); err != nil {
		t.Fatalf("RecordReport: %v", err)
	}

	p := NewPruner(db, time.Hour, 10*time.Minute)
	p.Clock = clock
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitForTimer := func() {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for len(clock.Pending()) == 0 {
			if time.Now().After(deadline) {
				t.Fatal("pruner never armed its timer")
			}
			time.Sleep(time.Millisecond)
		}
	}

	waitForTimer()
	if countReports(t, db) != 1 {
		t.Fatal("fresh report pruned on startup")
	}

	// Jump past the retention; the next tick removes the report.
	clock.Advance(2 * time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for countReports(t, db) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("report not pruned after the interval elapsed")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPrunerDisabled(t *testing.T) {
	db := setupTestDB(t)
	done := make(chan struct{})
	go func() {
		NewPruner(db, 0, time.Minute).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero retention should return immediately")
	}
}
