package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/autoflux/internal/api"
	"github.com/banshee-data/autoflux/internal/httputil"
	"github.com/banshee-data/autoflux/internal/orchestrator"
	"github.com/banshee-data/autoflux/internal/units"
)

// ctlClient lets tests substitute the HTTP client.
var ctlClient httputil.HTTPClient = &http.Client{Timeout: 5 * time.Second}

func handleCtl(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	base := fs.String("api", "http://localhost:8080", "Base URL of the autoflux API")
	asJSON := fs.Bool("json", false, "Print the full status as JSON")
	speedUnit := fs.String("units", units.MPS, "Speed display units: "+strings.Join(units.ValidUnits, ", "))
	if err := fs.Parse(args); err != nil {
		return err
	}
	unit, err := units.Parse(*speedUnit)
	if err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("missing ctl command: status, stop, reset or mode")
	}

	c := api.NewClient(*base, ctlClient)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var st orchestrator.Status
	rest := fs.Args()[1:]
	switch cmd := fs.Arg(0); cmd {
	case "status":
		st, err = c.Status(ctx)
	case "stop":
		st, err = c.EmergencyStop(ctx, strings.Join(rest, " "))
	case "reset":
		if len(rest) != 1 {
			return errors.New("usage: autoflux ctl reset <operator>")
		}
		st, err = c.ResetEmergency(ctx, rest[0])
	case "mode":
		if len(rest) != 1 {
			return errors.New("usage: autoflux ctl mode <manual|assisted|autonomous>")
		}
		st, err = c.SetMode(ctx, rest[0])
	default:
		return fmt.Errorf("unknown ctl command %q", cmd)
	}
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(out, st, unit)
	return nil
}

func printStatus(out io.Writer, st orchestrator.Status, unit string) {
	fmt.Fprintf(out, "running:    %v\n", st.Running)
	fmt.Fprintf(out, "mode:       %s\n", st.Mode)
	fmt.Fprintf(out, "emergency:  %v", st.EmergencyMode)
	if st.Controller.EmergencyReason != "" {
		fmt.Fprintf(out, " (%s)", st.Controller.EmergencyReason)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "health:     %s\n", st.Health)
	state := st.Controller.VehicleState
	fmt.Fprintf(out, "speed:      %s, steering %.1f deg, heading %.1f deg\n",
		units.FormatSpeed(state.SpeedMPS, unit), state.SteeringAngle, state.Heading)
	fmt.Fprintf(out, "cycles:     %d at %.1f Hz\n", st.CycleCount, st.UpdateRateHz)
	fmt.Fprintf(out, "cycle work: mean %.2fms p99 %.2fms max %.2fms, %d overruns\n",
		st.Timing.MeanMs, st.Timing.P99Ms, st.Timing.MaxMs, st.Timing.Overruns)
}
