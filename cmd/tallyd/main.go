// tallyd - Usage delta tracking daemon
//
// tallyd polls an externally-owned usage state file, detects per-session
// counter changes, and persists sessions, deltas, and raw snapshot audit
// rows to SQLite:
//
//	tallyd run              Run the polling daemon
//	tallyd once             Run a single reconciliation cycle and exit
//	tallyd status           Show daemon configuration and store summary
//	tallyd version          Print the version
package main

import (
	"flag"
	"fmt"
	"os"

	"tallyd/internal/config"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun(os.Args[2:])
	case "once":
		cmdOnce(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "version", "-v", "--version":
		fmt.Printf("tallyd %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`tallyd - Usage Delta Tracking Daemon

USAGE:
    tallyd <command> [options]

COMMANDS:
    run                 Run the polling daemon
    once                Run a single reconciliation cycle and exit
    status              Show configuration and store summary
    version             Print the version
    help                Show this help message

OPTIONS (run, once, status):
    -config <path>      Config file (default: platform config dir)
    -state <path>       Usage state file, overrides config
    -db <path>          SQLite database file, overrides config
    -log-level <level>  debug, info, warn, or error

The state file is owned and mutated by another program; tallyd only ever
reads it. Each poll compares per-session cumulative counters against the
previous poll and records the signed difference. Raw snapshots are kept
append-only for audit.

ENVIRONMENT:
    TALLYD_DATA_DIR       Base data directory
    TALLYD_STATE_PATH     Usage state file path
    TALLYD_DB_PATH        Database file path
    TALLYD_LOG_LEVEL      Log level
    TALLYD_METRICS_ADDR   Metrics listen address`)
}

// commonFlags holds the flags shared by run, once, and status.
type commonFlags struct {
	configPath string
	statePath  string
	dbPath     string
	logLevel   string
}

func parseCommonFlags(name string, args []string) *commonFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := &commonFlags{}
	fs.StringVar(&f.configPath, "config", "", "config file path")
	fs.StringVar(&f.statePath, "state", "", "usage state file path")
	fs.StringVar(&f.dbPath, "db", "", "database file path")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.Parse(args)
	return f
}

// loadConfig loads the configuration and applies flag overrides on top of
// file values and environment overrides.
func loadConfig(f *commonFlags) (*config.Config, error) {
	cfg, created, err := config.LoadOrCreate(f.configPath)
	if err != nil {
		return nil, err
	}
	if created {
		path := f.configPath
		if path == "" {
			path = config.ConfigPath()
		}
		fmt.Fprintf(os.Stderr, "created default config at %s\n", path)
	}

	if f.statePath != "" {
		cfg.Source.Path = f.statePath
	}
	if f.dbPath != "" {
		cfg.Storage.Path = f.dbPath
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
