package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autoflux/internal/httputil"
	"github.com/banshee-data/autoflux/internal/orchestrator"
)

// AttachAdminRoutes mounts the cycle timing chart under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("cycles", "Cycle work time against the period budget", http.HandlerFunc(s.handleCycleChart))
}

// handleCycleChart renders the retained cycle timings as a line chart.
// Query params:
//   - last (optional) limits the chart to the newest N cycles
func (s *Server) handleCycleChart(w http.ResponseWriter, r *http.Request) {
	samples := s.loop.Timings()
	if raw := r.URL.Query().Get("last"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "last must be a positive integer")
			return
		}
		if n < len(samples) {
			samples = samples[len(samples)-n:]
		}
	}

	st := s.loop.Status()
	page, err := renderCycleChart(samples, st.UpdateRateHz)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func renderCycleChart(samples []orchestrator.CycleTiming, rateHz float64) ([]byte, error) {
	var budgetMs float64
	if rateHz > 0 {
		budgetMs = 1000 / rateHz
	}

	x := make([]string, len(samples))
	work := make([]opts.LineData, len(samples))
	budget := make([]opts.LineData, len(samples))
	overruns := 0
	for i, c := range samples {
		x[i] = strconv.FormatUint(c.Cycle, 10)
		work[i] = opts.LineData{Value: float64(c.Work.Microseconds()) / 1000}
		budget[i] = opts.LineData{Value: budgetMs}
		if c.Overrun {
			overruns++
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Cycle Timing", Theme: "dark", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Cycle work (ms)",
			Subtitle: fmt.Sprintf("%d cycles, %d overruns, %s", len(samples), overruns, time.Now().Format(time.RFC3339)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "cycle", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x).
		AddSeries("work", work).
		AddSeries("period", budget)

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
