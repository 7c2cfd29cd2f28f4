// Package api serves the monitoring and operator endpoints for the loop.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/autoflux/internal/httputil"
	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/orchestrator"
	"github.com/banshee-data/autoflux/internal/version"
	"github.com/banshee-data/autoflux/internal/vehicle"
)

// ANSI escape codes for the request log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Loop is the part of the orchestrator the API reads and commands.
type Loop interface {
	Latest() *orchestrator.Snapshot
	Status() orchestrator.Status
	Diagnostics() orchestrator.Diagnostics
	Timings() []orchestrator.CycleTiming
	EmergencyStop(reason string)
	SetMode(mode vehicle.ControlMode) error
	ResetEmergency(operator string) error
}

// ReportStore is the persisted diagnostic history. It is optional; without
// it /api/reports serves the in-memory history.
type ReportStore interface {
	RecentReports(limit int) ([]vehicle.DiagnosticReport, error)
	ComponentReports(component string, limit int) ([]vehicle.DiagnosticReport, error)
	EmergencyEvents(limit int) ([]vehicle.EmergencyEvent, error)
}

type Server struct {
	loop    Loop
	store   ReportStore
	metrics http.Handler
}

// NewServer returns a server for loop. store and metricsHandler may be nil.
func NewServer(loop Loop, store ReportStore, metricsHandler http.Handler) *Server {
	return &Server{loop: loop, store: store, metrics: metricsHandler}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration at debug level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Debugf("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/api/timings", s.handleTimings)
	mux.HandleFunc("/api/reports", s.handleReports)
	mux.HandleFunc("/api/emergency-events", s.handleEmergencyEvents)
	mux.HandleFunc("/api/emergency-stop", s.handleEmergencyStop)
	mux.HandleFunc("/api/emergency-reset", s.handleEmergencyReset)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/version", s.handleVersion)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, mux *http.ServeMux) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		monitoring.Infof("api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.loop.Status())
}

type healthResponse struct {
	Status    vehicle.HealthStatus `json:"status"`
	Emergency bool                 `json:"emergency"`
	Running   bool                 `json:"running"`
}

// handleHealth answers 200 while the vehicle is healthy or degraded and 503
// once it is in error, critical, or emergency stop.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.loop.Status()
	resp := healthResponse{Status: st.Health, Emergency: st.EmergencyMode, Running: st.Running}
	code := http.StatusOK
	if st.EmergencyMode || st.Health > vehicle.StatusWarning {
		code = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.loop.Latest()
	if snap == nil {
		httputil.NotFound(w, "no cycle has completed yet")
		return
	}
	httputil.WriteJSONOK(w, snap)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.loop.Diagnostics())
}

type timingsResponse struct {
	Stats   orchestrator.TimingStats   `json:"stats"`
	Samples []orchestrator.CycleTiming `json:"samples"`
}

func (s *Server) handleTimings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, timingsResponse{
		Stats:   s.loop.Status().Timing,
		Samples: s.loop.Timings(),
	})
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	component := r.URL.Query().Get("component")

	if s.store == nil {
		httputil.WriteJSONOK(w, filterHistory(s.loop.Diagnostics().History, component, limit))
		return
	}

	var reports []vehicle.DiagnosticReport
	if component != "" {
		reports, err = s.store.ComponentReports(component, limit)
	} else {
		reports, err = s.store.RecentReports(limit)
	}
	if err != nil {
		monitoring.Errorf("failed to query reports: %v", err)
		httputil.InternalServerError(w, "failed to query reports")
		return
	}
	if reports == nil {
		reports = []vehicle.DiagnosticReport{}
	}
	httputil.WriteJSONOK(w, reports)
}

// filterHistory returns the newest matching reports first, matching the
// order of the persisted queries.
func filterHistory(history []vehicle.DiagnosticReport, component string, limit int) []vehicle.DiagnosticReport {
	out := []vehicle.DiagnosticReport{}
	for i := len(history) - 1; i >= 0; i-- {
		if component != "" && history[i].Component != component {
			continue
		}
		out = append(out, history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *Server) handleEmergencyEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.store == nil {
		httputil.ServiceUnavailable(w, "no report store configured")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	events, err := s.store.EmergencyEvents(limit)
	if err != nil {
		monitoring.Errorf("failed to query emergency events: %v", err)
		httputil.InternalServerError(w, "failed to query emergency events")
		return
	}
	if events == nil {
		events = []vehicle.EmergencyEvent{}
	}
	httputil.WriteJSONOK(w, events)
}

// EmergencyStopRequest is the body of POST /api/emergency-stop.
type EmergencyStopRequest struct {
	Reason string `json:"reason"`
}

// EmergencyResetRequest is the body of POST /api/emergency-reset.
type EmergencyResetRequest struct {
	Operator string `json:"operator"`
}

// ModeRequest is the body of POST /api/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req EmergencyStopRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	monitoring.Warnf("emergency stop requested via api: %q", req.Reason)
	s.loop.EmergencyStop(req.Reason)
	httputil.WriteJSONOK(w, s.loop.Status())
}

func (s *Server) handleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req EmergencyResetRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.Operator == "" {
		httputil.BadRequest(w, "operator is required")
		return
	}
	if err := s.loop.ResetEmergency(req.Operator); err != nil {
		if errors.Is(err, vehicle.ErrDiagnosticCritical) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.loop.Status())
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, map[string]string{"mode": s.loop.Status().Mode.String()})
	case http.MethodPost:
		var req ModeRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		mode, err := vehicle.ParseControlMode(req.Mode)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.loop.SetMode(mode); err != nil {
			switch {
			case errors.Is(err, vehicle.ErrEmergencyActive):
				httputil.Conflict(w, err.Error())
			case errors.Is(err, vehicle.ErrInvalidMode):
				httputil.BadRequest(w, err.Error())
			default:
				httputil.InternalServerError(w, err.Error())
			}
			return
		}
		httputil.WriteJSONOK(w, s.loop.Status())
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}
