package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/autoflux/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	command := "run"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "run":
		err = handleRun(args)
	case "ctl":
		err = handleCtl(args, os.Stdout)
	case "migrate":
		err = handleMigrate(args, os.Stdout)
	case "version":
		fmt.Printf("autoflux %s\n", version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoflux %s: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`autoflux - vehicle safety orchestration loop

Usage: autoflux <command> [options]

Commands:
  run        Run the control loop (default)
  ctl        Operate a running loop over its HTTP API
  migrate    Manage the diagnostics database schema
  version    Show version information
  help       Show this help message

Run Flags:
  --config <file>    Configuration file (default: config/autoflux.defaults.json)
  --listen <addr>    Override the API listen address
  --port <device>    Override the SLCAN serial device; empty uses the loopback link
  --db <path>        Override the diagnostics database path
  --log-level <lvl>  Override the log level

Ctl Commands (--api <url> selects the server, --units mps|mph|kph sets speed units):
  autoflux ctl status
  autoflux ctl stop [reason]
  autoflux ctl reset <operator>
  autoflux ctl mode <manual|assisted|autonomous>

Migrate Commands:
  autoflux migrate --db <path> up|down|version`)
}
