package sensors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// SimBackend synthesises plausible readings for bench runs and tests. Each
// sensor can be given a read latency, put offline, or made to fail a number
// of consecutive reads.
type SimBackend struct {
	clock timeutil.Clock

	mu       sync.Mutex
	kinds    map[string]vehicle.SensorKind
	latency  map[string]time.Duration
	failNext map[string]int
	offline  map[string]bool
	override map[string]map[string]float64
	seq      map[string]uint64
	rng      *rand.Rand
}

// NewSimBackend creates a simulator for the configured sensors.
func NewSimBackend(cfgs []SensorConfig, clock timeutil.Clock) *SimBackend {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	b := &SimBackend{
		clock:    clock,
		kinds:    make(map[string]vehicle.SensorKind, len(cfgs)),
		latency:  make(map[string]time.Duration),
		failNext: make(map[string]int),
		offline:  make(map[string]bool),
		override: make(map[string]map[string]float64),
		seq:      make(map[string]uint64),
		rng:      rand.New(rand.NewPCG(1, 2)),
	}
	for _, c := range cfgs {
		b.kinds[c.ID] = c.Kind
	}
	return b
}

// SetLatency makes every read of sensorID take d.
func (b *SimBackend) SetLatency(sensorID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency[sensorID] = d
}

// FailNext makes the next n reads of sensorID return ErrSensorUnavailable.
func (b *SimBackend) FailNext(sensorID string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[sensorID] = n
}

// SetOffline makes every read of sensorID fail until cleared.
func (b *SimBackend) SetOffline(sensorID string, offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline[sensorID] = offline
}

// SetValue pins a reading value, for example to drive a limit anomaly.
func (b *SimBackend) SetValue(sensorID, name string, v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.override[sensorID] == nil {
		b.override[sensorID] = make(map[string]float64)
	}
	b.override[sensorID][name] = v
}

// Sequence returns how many successful readings sensorID has produced.
func (b *SimBackend) Sequence(sensorID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[sensorID]
}

func (b *SimBackend) Read(ctx context.Context, sensorID string) (vehicle.SensorReading, error) {
	b.mu.Lock()
	kind, ok := b.kinds[sensorID]
	latency := b.latency[sensorID]
	b.mu.Unlock()
	if !ok {
		return vehicle.SensorReading{}, fmt.Errorf("%w: unknown sensor %q", vehicle.ErrSensorUnavailable, sensorID)
	}

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return vehicle.SensorReading{}, fmt.Errorf("%w: %w", vehicle.ErrSensorUnavailable, ctx.Err())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.offline[sensorID] {
		return vehicle.SensorReading{}, fmt.Errorf("%w: %s offline", vehicle.ErrSensorUnavailable, sensorID)
	}
	if b.failNext[sensorID] > 0 {
		b.failNext[sensorID]--
		return vehicle.SensorReading{}, fmt.Errorf("%w: %s injected failure", vehicle.ErrSensorUnavailable, sensorID)
	}

	b.seq[sensorID]++
	seq := b.seq[sensorID]
	values := b.values(kind)
	for k, v := range b.override[sensorID] {
		values[k] = v
	}
	return vehicle.SensorReading{
		SensorID:   sensorID,
		Kind:       kind,
		Timestamp:  b.clock.Now(),
		PayloadRef: fmt.Sprintf("sim://%s/%d", sensorID, seq),
		Values:     values,
		Valid:      true,
	}, nil
}

// values must be called with b.mu held.
func (b *SimBackend) values(kind vehicle.SensorKind) map[string]float64 {
	jitter := func(base, spread float64) float64 {
		return base + (b.rng.Float64()*2-1)*spread
	}
	switch kind {
	case vehicle.SensorLidar:
		return map[string]float64{"num_points": jitter(120000, 5000), "range_m": 200, "channels": 64}
	case vehicle.SensorCamera:
		return map[string]float64{"width": 1920, "height": 1080, "fps": 30}
	case vehicle.SensorRadar:
		return map[string]float64{"num_detections": float64(b.rng.IntN(8)), "max_range_m": 150}
	case vehicle.SensorGPS:
		return map[string]float64{"latitude": 0, "longitude": 0, "altitude": 0, "accuracy_m": jitter(2.5, 0.5), "satellites": 12}
	case vehicle.SensorIMU:
		return map[string]float64{"accel_x": jitter(0, 0.05), "accel_y": jitter(0, 0.05), "accel_z": jitter(9.81, 0.05), "gyro_z": jitter(0, 0.01)}
	}
	return map[string]float64{}
}
