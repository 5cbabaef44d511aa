package main

import (
	"fmt"
	"os"
	"time"

	"tallyd/internal/metrics"
	"tallyd/internal/registry"
	"tallyd/internal/source"
	"tallyd/internal/store"
	"tallyd/internal/tracker"
)

// cmdOnce runs a single reconciliation cycle. With no prior cycle there is no
// comparison baseline, so a first run seeds sessions and snapshots without
// recording deltas.
func cmdOnce(args []string) {
	f := parseCommonFlags("once", args)
	cfg, err := loadConfig(f)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fatal("%v", err)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		fatal("init logging: %v", err)
	}
	defer log.Close()

	st, err := store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	rdr, err := source.NewReader(cfg.Source.Path, cfg.Source.ValidateSchema)
	if err != nil {
		fatal("init source reader: %v", err)
	}

	m := metrics.New(metrics.NewRegistry("tallyd"))
	tr := tracker.New(rdr, st, registry.New(), log.Logger, m)

	res, err := tr.RunOnce()
	if err != nil {
		fatal("cycle failed: %v", err)
	}

	fmt.Printf("Projects observed: %d\n", res.ProjectsObserved)
	fmt.Printf("Deltas recorded:   %d\n", res.DeltasRecorded)
	fmt.Printf("Snapshots written: %d\n", res.ProjectsObserved)
}

func cmdStatus(args []string) {
	f := parseCommonFlags("status", args)
	cfg, err := loadConfig(f)
	if err != nil {
		fatal("load config: %v", err)
	}

	fmt.Println("tallyd status")
	fmt.Println()
	fmt.Printf("  Version:        %s\n", version)
	fmt.Printf("  State file:     %s\n", cfg.Source.Path)
	fmt.Printf("  Database:       %s\n", cfg.Storage.Path)
	fmt.Printf("  Poll intervals: %s active / %s idle\n",
		cfg.Scheduler.ActiveInterval(), cfg.Scheduler.IdleInterval())
	fmt.Println()

	if _, err := os.Stat(cfg.Source.Path); os.IsNotExist(err) {
		fmt.Println("  State file not yet created by the writing program.")
	}

	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Println("  Database not yet created; run `tallyd run` or `tallyd once`.")
		return
	}

	st, err := store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	sessions, err := st.ListSessions()
	if err != nil {
		fatal("list sessions: %v", err)
	}
	totals, err := st.Totals()
	if err != nil {
		fatal("sum totals: %v", err)
	}

	fmt.Printf("  Sessions:       %d\n", len(sessions))
	fmt.Printf("  Input tokens:   %d\n", totals.InputTokens)
	fmt.Printf("  Output tokens:  %d\n", totals.OutputTokens)
	fmt.Printf("  Total cost:     $%.4f\n", totals.CostUSD)

	if len(sessions) > 0 {
		fmt.Println()
		fmt.Println("  Recent sessions:")
		limit := len(sessions)
		if limit > 5 {
			limit = 5
		}
		for _, s := range sessions[:limit] {
			fmt.Printf("    %-36s %s (updated %s)\n",
				s.SessionID, s.ProjectPath, s.UpdatedAt.Format(time.RFC3339))
		}
	}
}
