// Package vehicle holds the value types exchanged by the sensor collector, the
// diagnostic evaluator, the controller and the orchestrator.
package vehicle

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SensorKind identifies the physical type of a sensor.
type SensorKind int

const (
	SensorLidar SensorKind = iota
	SensorCamera
	SensorRadar
	SensorGPS
	SensorIMU
)

func (k SensorKind) String() string {
	switch k {
	case SensorLidar:
		return "lidar"
	case SensorCamera:
		return "camera"
	case SensorRadar:
		return "radar"
	case SensorGPS:
		return "gps"
	case SensorIMU:
		return "imu"
	}
	return fmt.Sprintf("SensorKind(%d)", int(k))
}

// ObstacleSensor reports whether the kind can see obstacles ahead of the vehicle.
func (k SensorKind) ObstacleSensor() bool {
	switch k {
	case SensorLidar, SensorCamera, SensorRadar:
		return true
	case SensorGPS, SensorIMU:
		return false
	}
	return false
}

// ParseSensorKind parses the lower-case names used in configuration files.
func ParseSensorKind(s string) (SensorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lidar":
		return SensorLidar, nil
	case "camera":
		return SensorCamera, nil
	case "radar":
		return SensorRadar, nil
	case "gps":
		return SensorGPS, nil
	case "imu":
		return SensorIMU, nil
	}
	return 0, fmt.Errorf("unknown sensor kind %q", s)
}

func (k SensorKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *SensorKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseSensorKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SensorReading is one sample from one sensor. It is owned by the collector
// until it is published in a SensorFrame and must not be modified afterwards.
type SensorReading struct {
	SensorID  string     `json:"sensor_id"`
	Kind      SensorKind `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	// PayloadRef points at the bulk payload (point cloud, image buffer) held
	// by the preprocessing layer. The core never dereferences it.
	PayloadRef string `json:"payload_ref,omitempty"`
	// Values carries the scalar channels used for sanity checks, for example
	// "num_points" for lidar or "accuracy_m" for GPS.
	Values map[string]float64 `json:"values,omitempty"`
	Valid  bool               `json:"valid"`
	Error  string             `json:"error,omitempty"`
}

// SensorFrame is a time-aligned set of readings for a single cycle. Readings
// are kept in configuration order and every enabled sensor has an entry.
type SensorFrame struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Readings  []SensorReading `json:"readings"`
	// Anomalies are the reports the collector raised while building the frame.
	Anomalies []DiagnosticReport `json:"anomalies,omitempty"`

	index map[string]int
}

// NewSensorFrame builds a frame from readings and sets the frame timestamp to
// the newest reading timestamp.
func NewSensorFrame(seq uint64, readings []SensorReading, anomalies []DiagnosticReport) SensorFrame {
	f := SensorFrame{
		Sequence:  seq,
		Readings:  readings,
		Anomalies: anomalies,
		index:     make(map[string]int, len(readings)),
	}
	for i, r := range readings {
		f.index[r.SensorID] = i
		if r.Timestamp.After(f.Timestamp) {
			f.Timestamp = r.Timestamp
		}
	}
	return f
}

// Get returns the reading for sensorID.
func (f SensorFrame) Get(sensorID string) (SensorReading, bool) {
	if f.index == nil {
		for _, r := range f.Readings {
			if r.SensorID == sensorID {
				return r, true
			}
		}
		return SensorReading{}, false
	}
	i, ok := f.index[sensorID]
	if !ok {
		return SensorReading{}, false
	}
	return f.Readings[i], true
}

// InvalidCount returns the number of readings marked invalid.
func (f SensorFrame) InvalidCount() int {
	n := 0
	for _, r := range f.Readings {
		if !r.Valid {
			n++
		}
	}
	return n
}
