// Package metrics exposes the control loop's Prometheus metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/autoflux/internal/vehicle"
)

// Stage names used for the stage duration histogram.
const (
	StageSensors     = "sensors"
	StageDiagnostics = "diagnostics"
	StagePerception  = "perception"
	StagePolicy      = "policy"
	StageControl     = "control"
	StageActuation   = "actuation"
)

// Sensor reading outcomes.
const (
	ReadingValid   = "valid"
	ReadingInvalid = "invalid"
)

type Metrics struct {
	reg *prometheus.Registry

	cycles           prometheus.Counter
	overruns         prometheus.Counter
	cycleDuration    prometheus.Histogram
	stageDuration    *prometheus.HistogramVec
	sensorReadings   *prometheus.CounterVec
	reports          *prometheus.CounterVec
	healthStatus     prometheus.Gauge
	emergencyActive  prometheus.Gauge
	controlMode      prometheus.Gauge
	actuationFaults  prometheus.Counter
	perceptionStale  prometheus.Counter
	cyclePanics      prometheus.Counter
	reportsDropped   prometheus.Counter
	vehicleSpeed     prometheus.Gauge
	commandedSteerDg prometheus.Gauge

	droppedMu   sync.Mutex
	droppedSeen uint64
}

// New creates the metrics on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoflux_cycles_total",
			Help: "Control cycles executed.",
		}),
		overruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoflux_cycle_overruns_total",
			Help: "Cycles whose work exceeded the cycle period.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autoflux_cycle_duration_seconds",
			Help:    "Wall time spent on the work of one cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autoflux_stage_duration_seconds",
			Help:    "Wall time spent per cycle stage.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"stage"}),
		sensorReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflux_sensor_readings_total",
			Help: "Sensor readings collected, by sensor and outcome.",
		}, []string{"sensor", "result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autoflux_diagnostic_reports_total",
			Help: "Diagnostic reports emitted, by component and level.",
		}, []string{"component", "level"}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoflux_health_status",
			Help: "Overall health: 0 healthy, 1 warning, 2 error, 3 critical.",
		}),
		emergencyActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoflux_emergency_active",
			Help: "1 while the emergency stop is latched.",
		}),
		controlMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoflux_control_mode",
			Help: "Effective control mode: 0 manual, 1 assisted, 2 autonomous, 3 emergency.",
		}),
		actuationFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoflux_actuation_faults_total",
			Help: "Commands the actuator link failed to apply.",
		}),
		perceptionStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoflux_perception_stale_total",
			Help: "Cycles that reused the previous perception result.",
		}),
		cyclePanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoflux_cycle_panics_total",
			Help: "Cycles that recovered from a panic.",
		}),
		reportsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autoflux_reports_dropped_total",
			Help: "Diagnostic reports dropped by the persistence queue.",
		}),
		vehicleSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoflux_vehicle_speed_mps",
			Help: "Estimated vehicle speed.",
		}),
		commandedSteerDg: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autoflux_commanded_steering_deg",
			Help: "Steering angle of the last executed command.",
		}),
	}
	m.reg.MustRegister(
		m.cycles, m.overruns, m.cycleDuration, m.stageDuration,
		m.sensorReadings, m.reports, m.healthStatus, m.emergencyActive,
		m.controlMode, m.actuationFaults, m.perceptionStale, m.cyclePanics,
		m.reportsDropped, m.vehicleSpeed, m.commandedSteerDg,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(work time.Duration, overrun bool) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(work.Seconds())
	if overrun {
		m.overruns.Inc()
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFrame counts each reading of a frame as valid or invalid.
func (m *Metrics) ObserveFrame(frame vehicle.SensorFrame) {
	if m == nil {
		return
	}
	for _, r := range frame.Readings {
		result := ReadingValid
		if !r.Valid {
			result = ReadingInvalid
		}
		m.sensorReadings.WithLabelValues(r.SensorID, result).Inc()
	}
}

// ObserveReport is shaped as a diagnostics report sink.
func (m *Metrics) ObserveReport(r vehicle.DiagnosticReport) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(r.Component, r.Level.String()).Inc()
}

func (m *Metrics) SetHealth(s vehicle.HealthStatus) {
	if m == nil {
		return
	}
	m.healthStatus.Set(float64(s))
}

func (m *Metrics) SetControl(mode vehicle.ControlMode, emergency bool, state vehicle.VehicleState, cmd vehicle.ControlCommand) {
	if m == nil {
		return
	}
	m.controlMode.Set(float64(mode))
	if emergency {
		m.emergencyActive.Set(1)
	} else {
		m.emergencyActive.Set(0)
	}
	m.vehicleSpeed.Set(state.SpeedMPS)
	m.commandedSteerDg.Set(cmd.SteeringAngle)
}

func (m *Metrics) IncActuationFault() {
	if m == nil {
		return
	}
	m.actuationFaults.Inc()
}

func (m *Metrics) IncPerceptionStale() {
	if m == nil {
		return
	}
	m.perceptionStale.Inc()
}

func (m *Metrics) IncCyclePanic() {
	if m == nil {
		return
	}
	m.cyclePanics.Inc()
}

// SetReportsDropped mirrors a monotonic drop count kept elsewhere.
func (m *Metrics) SetReportsDropped(total uint64) {
	if m == nil {
		return
	}
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	if total > m.droppedSeen {
		m.reportsDropped.Add(float64(total - m.droppedSeen))
		m.droppedSeen = total
	}
}
