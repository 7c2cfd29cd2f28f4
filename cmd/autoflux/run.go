package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/autoflux/internal/actuation"
	"github.com/banshee-data/autoflux/internal/api"
	"github.com/banshee-data/autoflux/internal/config"
	"github.com/banshee-data/autoflux/internal/control"
	"github.com/banshee-data/autoflux/internal/db"
	"github.com/banshee-data/autoflux/internal/diagnostics"
	"github.com/banshee-data/autoflux/internal/metrics"
	"github.com/banshee-data/autoflux/internal/monitoring"
	"github.com/banshee-data/autoflux/internal/orchestrator"
	"github.com/banshee-data/autoflux/internal/perception"
	"github.com/banshee-data/autoflux/internal/policy"
	"github.com/banshee-data/autoflux/internal/sensors"
	"github.com/banshee-data/autoflux/internal/timeutil"
	"github.com/banshee-data/autoflux/internal/vehicle"
	"github.com/banshee-data/autoflux/internal/version"
)

type runFlags struct {
	config   string
	listen   string
	port     string
	dbPath   string
	logLevel string
	set      map[string]bool
}

func parseRunFlags(args []string) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", config.DefaultConfigPath, "Configuration file")
	fs.StringVar(&f.listen, "listen", "", "API listen address (overrides config)")
	fs.StringVar(&f.port, "port", "", "SLCAN serial device (overrides config)")
	fs.StringVar(&f.dbPath, "db", "", "Diagnostics database path (overrides config)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (overrides config)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	f.set = map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// apply overlays explicitly set flags onto cfg.
func (f runFlags) apply(cfg *config.Config) {
	if f.set["listen"] {
		cfg.API.Listen = f.listen
	}
	if f.set["port"] {
		cfg.Actuation.Port = f.port
	}
	if f.set["db"] {
		cfg.Storage.Path = f.dbPath
	}
	if f.set["log-level"] {
		cfg.LogLevel = f.logLevel
	}
}

func handleRun(args []string) error {
	flags, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(flags.config)
	if err != nil {
		return err
	}
	flags.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	monitoring.Init("autoflux", cfg.LogLevel, nil)
	monitoring.Infof("autoflux %s starting at %.1f Hz", version.String(), cfg.Orchestrator.UpdateRateHz)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, timeutil.RealClock{})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.run(ctx); err != nil {
		return err
	}
	monitoring.Infof("graceful shutdown complete")
	return nil
}

// app is the wired vehicle stack.
type app struct {
	cfg      config.Config
	clock    timeutil.Clock
	metrics  *metrics.Metrics
	ctl      *control.Controller
	loop     *orchestrator.Orchestrator
	server   *api.Server
	store    *db.DB
	writer   *db.ReportWriter
	slcan    *actuation.SLCAN
	actuator actuation.Backend

	// pending tracks emergency event writes still in flight.
	pending sync.WaitGroup
}

func newApp(cfg config.Config, clock timeutil.Clock) (a *app, err error) {
	a = &app{cfg: cfg, clock: clock, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	collector, err := sensors.NewCollector(sensors.NewSimBackend(cfg.Sensors, clock), cfg.Sensors, clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vehicle.ErrConfigurationInvalid, err)
	}
	evaluator, err := diagnostics.NewEvaluator(cfg.Diagnostics, clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vehicle.ErrConfigurationInvalid, err)
	}
	pol, err := policy.NewLaneKeeping(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vehicle.ErrConfigurationInvalid, err)
	}
	a.ctl, err = control.NewController(cfg.Control, clock)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", vehicle.ErrConfigurationInvalid, err)
	}

	if cfg.Actuation.Port == "" {
		monitoring.Warnf("no actuation port configured, commands go to the loopback link")
		a.actuator = actuation.NewLoopback()
	} else {
		a.slcan, err = actuation.OpenSLCAN(cfg.Actuation, clock)
		if err != nil {
			return nil, err
		}
		a.actuator = a.slcan
	}

	if cfg.Storage.Path != "" {
		a.store, err = db.NewDB(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open diagnostics db: %w", err)
		}
		a.writer = db.NewReportWriter(a.store, cfg.Storage.WriterBuffer)
		evaluator.AddSink(func(r vehicle.DiagnosticReport) {
			a.writer.Submit(r)
			a.metrics.SetReportsDropped(a.writer.Stats().Dropped)
		})
		store := a.store
		a.ctl.OnEmergency(func(ev vehicle.EmergencyEvent) {
			// Listeners may run on the loop goroutine.
			a.pending.Add(1)
			go func() {
				defer a.pending.Done()
				if err := store.RecordEmergencyEvent(ev); err != nil {
					monitoring.Errorf("failed to record emergency event: %v", err)
				}
			}()
		})
	}

	a.loop, err = orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Collector:  collector,
		Evaluator:  evaluator,
		Perception: perception.NewRunner(perception.NewSimBackend(), clock),
		Policy:     pol,
		Controller: a.ctl,
		Actuator:   a.actuator,
		Metrics:    a.metrics,
		Clock:      clock,
	})
	if err != nil {
		return nil, err
	}

	var reports api.ReportStore
	if a.store != nil {
		reports = a.store
	}
	a.server = api.NewServer(a.loop, reports, a.metrics.Handler())
	return a, nil
}

// mux returns the API routes plus the /debug/ admin pages.
func (a *app) mux() (*http.ServeMux, error) {
	mux := a.server.ServeMux()
	a.server.AttachAdminRoutes(mux)
	if a.store != nil {
		if err := a.store.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	if a.slcan != nil {
		a.slcan.Mux().AttachAdminRoutes(mux)
	}
	return mux, nil
}

// run drives every routine until ctx is done or one of them fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.slcan != nil {
		if err := a.slcan.Start(gctx); err != nil {
			return err
		}
	}
	if a.writer != nil {
		g.Go(func() error {
			a.writer.Run(gctx)
			return nil
		})
		pruner := db.NewPruner(a.store, a.cfg.Storage.Retention.Std(), a.cfg.Storage.PruneInterval.Std())
		pruner.Clock = a.clock
		g.Go(func() error {
			pruner.Run(gctx)
			return nil
		})
	}
	if a.cfg.API.Listen != "" {
		mux, err := a.mux()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return a.server.ListenAndServe(gctx, a.cfg.API.Listen, mux)
		})
	}
	g.Go(func() error {
		return a.loop.Run(gctx)
	})
	return g.Wait()
}

func (a *app) close() {
	if a.writer != nil {
		a.writer.Close()
		if st := a.writer.Stats(); st.Dropped > 0 || st.Failed > 0 {
			monitoring.Warnf("report writer: %d written, %d dropped, %d failed", st.Written, st.Dropped, st.Failed)
		}
	}
	if a.slcan != nil {
		if err := a.slcan.Close(); err != nil {
			monitoring.Warnf("failed to close slcan link: %v", err)
		}
	}
	if a.store != nil {
		a.pending.Wait()
		if err := a.store.Close(); err != nil {
			monitoring.Warnf("failed to close diagnostics db: %v", err)
		}
	}
}
