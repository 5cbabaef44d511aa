// tallyctl is the read-only query CLI for the tallyd database.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"tallyd/internal/config"
	"tallyd/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	dbPath     = flag.String("db", "", "path to database file, overrides config")
	asJSON     = flag.Bool("json", false, "emit JSON instead of tables")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)

	switch cmd {
	case "sessions":
		cmdSessions()
	case "deltas":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: tallyctl deltas <session-id>")
			os.Exit(1)
		}
		cmdDeltas(flag.Arg(1))
	case "snapshots":
		if flag.NArg() < 2 {
			fmt.Fprintln(os.Stderr, "Usage: tallyctl snapshots <session-id>")
			os.Exit(1)
		}
		cmdSnapshots(flag.Arg(1))
	case "totals":
		cmdTotals()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `tallyctl - Query utility for the tallyd database

Usage: tallyctl [options] <command> [args]

Commands:
  sessions               List tracked sessions, newest first
  deltas <session-id>    Print the delta history for a session
  snapshots <session-id> Print the raw snapshot audit trail for a session
  totals                 Print usage summed across all sessions
  help                   Show this help message

Options:
  -config <path>  Path to config file
  -db <path>      Path to database file, overrides config
  -json           Emit JSON instead of tables`)
}

func openStore() *store.Store {
	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		path = cfg.Storage.Path
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Database %s does not exist; has tallyd run yet?\n", path)
		os.Exit(1)
	}

	st, err := store.Open(path, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func emitJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func cmdSessions() {
	st := openStore()
	defer st.Close()

	sessions, err := st.ListSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing sessions: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		emitJSON(sessions)
		return
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}

	fmt.Printf("%-38s %-30s %12s %12s %10s  %s\n",
		"SESSION", "PROJECT", "INPUT", "OUTPUT", "COST", "UPDATED")
	for _, s := range sessions {
		fmt.Printf("%-38s %-30s %12d %12d %10.4f  %s\n",
			s.SessionID, truncate(s.ProjectPath, 30),
			s.Totals.InputTokens, s.Totals.OutputTokens, s.Totals.CostUSD,
			s.UpdatedAt.Format(time.RFC3339))
	}
}

func cmdDeltas(sessionID string) {
	st := openStore()
	defer st.Close()

	deltas, err := st.DeltasBySession(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing deltas: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		emitJSON(deltas)
		return
	}

	if len(deltas) == 0 {
		fmt.Printf("No deltas recorded for session %s.\n", sessionID)
		return
	}

	fmt.Printf("%5s %12s %12s %10s %8s %8s %6s  %s\n",
		"SEQ", "INPUT", "OUTPUT", "COST", "ADDED", "REMOVED", "WEB", "RECORDED")
	for _, d := range deltas {
		fmt.Printf("%5d %+12d %+12d %+10.4f %+8d %+8d %+6d  %s\n",
			d.Seq, d.Delta.InputTokens, d.Delta.OutputTokens, d.Delta.CostUSD,
			d.Delta.LinesAdded, d.Delta.LinesRemoved, d.Delta.WebSearchRequests,
			d.RecordedAt.Format(time.RFC3339))
	}
}

func cmdSnapshots(sessionID string) {
	st := openStore()
	defer st.Close()

	snaps, err := st.SnapshotsBySession(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing snapshots: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		emitJSON(snaps)
		return
	}

	if len(snaps) == 0 {
		fmt.Printf("No snapshots recorded for session %s.\n", sessionID)
		return
	}

	fmt.Printf("%8s %12s %12s %10s  %s\n",
		"ID", "INPUT", "OUTPUT", "COST", "CAPTURED")
	for _, s := range snaps {
		fmt.Printf("%8d %12d %12d %10.4f  %s\n",
			s.ID, s.Snapshot.InputTokens, s.Snapshot.OutputTokens,
			s.Snapshot.CostUSD, s.Snapshot.CapturedAt.Format(time.RFC3339))
	}
}

func cmdTotals() {
	st := openStore()
	defer st.Close()

	totals, err := st.Totals()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error summing totals: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		emitJSON(totals)
		return
	}

	fmt.Println("Usage across all sessions:")
	fmt.Printf("  Input tokens:           %d\n", totals.InputTokens)
	fmt.Printf("  Output tokens:          %d\n", totals.OutputTokens)
	fmt.Printf("  Cache creation tokens:  %d\n", totals.CacheCreationTokens)
	fmt.Printf("  Cache read tokens:      %d\n", totals.CacheReadTokens)
	fmt.Printf("  Lines added:            %d\n", totals.LinesAdded)
	fmt.Printf("  Lines removed:          %d\n", totals.LinesRemoved)
	fmt.Printf("  Web searches:           %d\n", totals.WebSearchRequests)
	fmt.Printf("  Total cost:             $%.4f\n", totals.CostUSD)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n+3:]
}
