package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

func TestCycleMetrics(t *testing.T) {
	m := New()

	m.ObserveCycle(5*time.Millisecond, false)
	m.ObserveCycle(40*time.Millisecond, true)

	if got := testutil.ToFloat64(m.cycles); got != 2 {
		t.Fatalf("expected cycles counter 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.overruns); got != 1 {
		t.Fatalf("expected overrun counter 1, got %f", got)
	}
	if samples := testutil.CollectAndCount(m.cycleDuration); samples != 1 {
		t.Fatalf("expected cycle histogram to expose 1 series, got %d", samples)
	}

	m.ObserveStage(StageSensors, time.Millisecond)
	m.ObserveStage(StagePerception, 2*time.Millisecond)
	if samples := testutil.CollectAndCount(m.stageDuration); samples != 2 {
		t.Fatalf("expected 2 stage series, got %d", samples)
	}
}

func TestFrameAndReportMetrics(t *testing.T) {
	m := New()
	frame := vehicle.NewSensorFrame(1, []vehicle.SensorReading{
		{SensorID: "lidar_front", Valid: true},
		{SensorID: "gps", Valid: false, Error: "timeout"},
	}, nil)
	m.ObserveFrame(frame)
	m.ObserveFrame(frame)

	if got := testutil.ToFloat64(m.sensorReadings.WithLabelValues("lidar_front", ReadingValid)); got != 2 {
		t.Fatalf("expected 2 valid lidar readings, got %f", got)
	}
	if got := testutil.ToFloat64(m.sensorReadings.WithLabelValues("gps", ReadingInvalid)); got != 2 {
		t.Fatalf("expected 2 invalid gps readings, got %f", got)
	}

	m.ObserveReport(vehicle.DiagnosticReport{Component: "link", Level: vehicle.LevelCritical})
	if got := testutil.ToFloat64(m.reports.WithLabelValues("link", "critical")); got != 1 {
		t.Fatalf("expected 1 critical link report, got %f", got)
	}
}

func TestGauges(t *testing.T) {
	m := New()
	m.SetHealth(vehicle.StatusError)
	if got := testutil.ToFloat64(m.healthStatus); got != 2 {
		t.Fatalf("expected health 2, got %f", got)
	}

	m.SetControl(vehicle.ModeEmergency, true, vehicle.VehicleState{SpeedMPS: 3.5}, vehicle.ControlCommand{SteeringAngle: -4})
	if got := testutil.ToFloat64(m.emergencyActive); got != 1 {
		t.Fatalf("expected emergency gauge 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.controlMode); got != float64(vehicle.ModeEmergency) {
		t.Fatalf("unexpected mode gauge %f", got)
	}
	if got := testutil.ToFloat64(m.vehicleSpeed); got != 3.5 {
		t.Fatalf("expected speed 3.5, got %f", got)
	}
	if got := testutil.ToFloat64(m.commandedSteerDg); got != -4 {
		t.Fatalf("expected steering -4, got %f", got)
	}

	m.SetControl(vehicle.ModeManual, false, vehicle.VehicleState{}, vehicle.ControlCommand{})
	if got := testutil.ToFloat64(m.emergencyActive); got != 0 {
		t.Fatalf("expected emergency gauge 0, got %f", got)
	}
}

func TestReportsDroppedMirrorsTotal(t *testing.T) {
	m := New()
	m.SetReportsDropped(3)
	m.SetReportsDropped(3)
	m.SetReportsDropped(1)
	m.SetReportsDropped(5)
	if got := testutil.ToFloat64(m.reportsDropped); got != 5 {
		t.Fatalf("expected dropped counter 5, got %f", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCycle(time.Millisecond, true)
	m.ObserveStage(StageControl, time.Millisecond)
	m.ObserveFrame(vehicle.SensorFrame{})
	m.ObserveReport(vehicle.DiagnosticReport{})
	m.SetHealth(vehicle.StatusCritical)
	m.SetControl(vehicle.ModeManual, false, vehicle.VehicleState{}, vehicle.ControlCommand{})
	m.IncActuationFault()
	m.IncPerceptionStale()
	m.IncCyclePanic()
	m.SetReportsDropped(1)
	if m.Registry() != nil {
		t.Fatal("expected nil registry")
	}

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil handler, got %d", w.Code)
	}
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.IncActuationFault()
	m.IncPerceptionStale()
	m.IncCyclePanic()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"autoflux_actuation_faults_total 1",
		"autoflux_perception_stale_total 1",
		"autoflux_cycle_panics_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("exposition missing %q", name)
		}
	}

	if _, err := m.Registry().Gather(); err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var _ prometheus.Gatherer = m.Registry()
}
