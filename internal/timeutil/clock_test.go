package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestMockClock_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	early := clock.NewTimer(10 * time.Millisecond)
	late := clock.NewTimer(50 * time.Millisecond)

	clock.Advance(20 * time.Millisecond)

	select {
	case got := <-early.C():
		if want := start.Add(20 * time.Millisecond); !got.Equal(want) {
			t.Errorf("early fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("early timer should have fired")
	}
	select {
	case <-late.C():
		t.Fatal("late timer fired too soon")
	default:
	}

	if pending := clock.Pending(); len(pending) != 1 {
		t.Fatalf("expected 1 pending timer, got %d", len(pending))
	}
	if clock.Since(start) != 20*time.Millisecond {
		t.Errorf("Since() = %v", clock.Since(start))
	}
}

func TestMockClock_StopAndImmediate(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))

	stopped := clock.NewTimer(time.Second)
	if !stopped.Stop() {
		t.Error("Stop on an active timer should report true")
	}
	if stopped.Stop() {
		t.Error("second Stop should report false")
	}
	clock.Advance(2 * time.Second)
	select {
	case <-stopped.C():
		t.Fatal("stopped timer fired")
	default:
	}

	immediate := clock.NewTimer(0)
	select {
	case <-immediate.C():
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"33ms"`)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if d.Std() != 33*time.Millisecond {
		t.Errorf("got %v, want 33ms", d.Std())
	}
	b, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if string(b) != `"33ms"` {
		t.Errorf("MarshalJSON = %s", b)
	}
	if err := d.UnmarshalJSON([]byte(`"fast"`)); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := d.UnmarshalJSON([]byte(`12`)); err == nil {
		t.Error("expected error for numeric duration")
	}
}
