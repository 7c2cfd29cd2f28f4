package perception

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

// SimBackend returns a fixed scene: a car ahead and two lane boundaries,
// plus an optional pedestrian. It only produces detections when the frame
// contains a valid camera reading.
type SimBackend struct {
	mu         sync.Mutex
	latency    time.Duration
	failNext   int
	pedestrian *vehicle.Detection
	lanes      []vehicle.Lane
}

// NewSimBackend returns a simulator for a straight two-lane road.
func NewSimBackend() *SimBackend {
	return &SimBackend{
		lanes: []vehicle.Lane{{OffsetM: -1.8}, {OffsetM: 1.8}},
	}
}

// SetLatency makes each inference take d.
func (b *SimBackend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// FailNext makes the next n inferences fail.
func (b *SimBackend) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// SetPedestrian places a pedestrian distanceM ahead; a negative distance
// removes it.
func (b *SimBackend) SetPedestrian(distanceM float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if distanceM < 0 {
		b.pedestrian = nil
		return
	}
	b.pedestrian = &vehicle.Detection{Class: "pedestrian", Confidence: 0.87, DistanceM: distanceM}
}

// SetLanes replaces the detected lane boundaries.
func (b *SimBackend) SetLanes(lanes []vehicle.Lane) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lanes = append([]vehicle.Lane(nil), lanes...)
}

func (b *SimBackend) Infer(ctx context.Context, frame vehicle.SensorFrame) (vehicle.PerceptionResult, error) {
	b.mu.Lock()
	latency := b.latency
	fail := b.failNext > 0
	if fail {
		b.failNext--
	}
	var ped *vehicle.Detection
	if b.pedestrian != nil {
		p := *b.pedestrian
		ped = &p
	}
	lanes := append([]vehicle.Lane(nil), b.lanes...)
	b.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return vehicle.PerceptionResult{}, ctx.Err()
		}
	}
	if fail {
		return vehicle.PerceptionResult{}, errors.New("simulated accelerator fault")
	}

	res := vehicle.PerceptionResult{FrameSequence: frame.Sequence, InferenceTime: latency}
	if !hasCamera(frame) {
		return res, nil
	}
	res.Detections = []vehicle.Detection{{Class: "car", Confidence: 0.95, DistanceM: 40}}
	if ped != nil {
		res.Detections = append(res.Detections, *ped)
	}
	res.Lanes = lanes
	return res, nil
}

func hasCamera(frame vehicle.SensorFrame) bool {
	for _, r := range frame.Readings {
		if r.Kind == vehicle.SensorCamera && r.Valid {
			return true
		}
	}
	return false
}
