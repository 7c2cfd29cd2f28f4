package vehicle

import "time"

// Detection is one object reported by the inference backend.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	DistanceM  float64 `json:"distance_m"`
	BearingDeg float64 `json:"bearing_deg"`
}

// Lane is a detected lane boundary relative to the vehicle.
type Lane struct {
	OffsetM    float64 `json:"offset_m"`
	HeadingDeg float64 `json:"heading_deg"`
}

// PerceptionResult is what the orchestrator consumes from inference.
type PerceptionResult struct {
	FrameSequence uint64        `json:"frame_sequence"`
	Timestamp     time.Time     `json:"timestamp"`
	Detections    []Detection   `json:"detections,omitempty"`
	Lanes         []Lane        `json:"lanes,omitempty"`
	InferenceTime time.Duration `json:"inference_time"`
	// Stale marks a last-known result reused after a perception timeout.
	Stale bool `json:"stale"`
}

// Nearest returns the closest detection of class within maxRange metres.
func (p PerceptionResult) Nearest(class string, maxRange float64) (Detection, bool) {
	var best Detection
	found := false
	for _, d := range p.Detections {
		if d.Class != class || d.DistanceM > maxRange {
			continue
		}
		if !found || d.DistanceM < best.DistanceM {
			best = d
			found = true
		}
	}
	return best, found
}
