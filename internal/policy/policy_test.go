package policy

import (
	"testing"
	"time"

	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

func newPolicy(t *testing.T) *LaneKeeping {
	t.Helper()
	monitoring.SetLogger(nil)
	p, err := NewLaneKeeping(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSteering(t *testing.T) {
	p := newPolicy(t)
	tests := []struct {
		name                   string
		target, current, speed float64
		want                   float64
	}{
		{"right turn slow", 90, 80, 5, 10},
		{"right turn fast", 90, 80, 10, 5},
		{"wraparound", 10, 350, 5, 20},
		{"wraparound left", 350, 10, 5, -20},
		{"clamped", 180, 0, 1, 45},
		{"straight", 42, 42, 20, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Steering(tt.target, tt.current, tt.speed); got != tt.want {
				t.Errorf("Steering(%g, %g, %g) = %g, want %g", tt.target, tt.current, tt.speed, got, tt.want)
			}
		})
	}
}

func TestSpeed(t *testing.T) {
	tests := []struct {
		target, current       float64
		wantThrottle, wantBrk float64
	}{
		{20, 10, 1, 0},
		{15, 10, 0.5, 0},
		{10, 20, 0, 1},
		{10, 12, 0, 0.2},
		{15, 15.2, 0, 0},
		{15, 14.6, 0, 0},
	}
	for _, tt := range tests {
		th, br := Speed(tt.target, tt.current)
		if th != tt.wantThrottle || br != tt.wantBrk {
			t.Errorf("Speed(%g, %g) = (%g, %g), want (%g, %g)", tt.target, tt.current, th, br, tt.wantThrottle, tt.wantBrk)
		}
	}
}

func TestDecide_PedestrianBrakes(t *testing.T) {
	p := newPolicy(t)
	now := time.Unix(1700000000, 0)
	in := Input{
		Now:   now,
		State: vehicle.VehicleState{SpeedMPS: 5},
		Perception: vehicle.PerceptionResult{Detections: []vehicle.Detection{
			{Class: "car", DistanceM: 40},
			{Class: "pedestrian", DistanceM: 12},
		}},
	}
	cmd := p.Decide(in)
	if cmd.Brake != 0.3 || cmd.Throttle != 0 {
		t.Errorf("cmd = %s, want brake 0.3 and no throttle", cmd)
	}
	if !cmd.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", cmd.Timestamp, now)
	}

	in.Perception.Detections[1].DistanceM = 80
	cmd = p.Decide(in)
	if cmd.Brake != 0 || cmd.Throttle <= 0 {
		t.Errorf("distant pedestrian: cmd = %s, want cruise throttle", cmd)
	}
}

func TestDecide_LaneCentering(t *testing.T) {
	p := newPolicy(t)
	in := Input{
		State: vehicle.VehicleState{SpeedMPS: 10, Heading: 90},
		Perception: vehicle.PerceptionResult{Lanes: []vehicle.Lane{
			{OffsetM: -1.0}, {OffsetM: 2.0},
		}},
	}
	// Lane centre is 0.5m to the right: 2.5° target correction, halved gain.
	if got := p.Decide(in).SteeringAngle; got != 1.25 {
		t.Errorf("steering = %g, want 1.25", got)
	}

	in.Perception.Lanes = in.Perception.Lanes[:1]
	if got := p.Decide(in).SteeringAngle; got != 0 {
		t.Errorf("single lane: steering = %g, want 0", got)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.PedestrianBrake = 2
	if _, err := NewLaneKeeping(cfg); err == nil {
		t.Fatal("want error for pedestrian_brake 2")
	}
}
