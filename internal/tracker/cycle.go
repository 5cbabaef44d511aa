// Package tracker contains the reconciliation engine: the per-cycle pass that
// turns one frozen reading of the external usage state into durable session,
// delta, and audit records, and the adaptive scheduler that drives those
// cycles.
//
// Cycles run strictly sequentially. The registry is only touched by the one
// in-flight cycle, so nothing here takes locks beyond the in-progress guard.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"tallyd/internal/metrics"
	"tallyd/internal/registry"
	"tallyd/internal/source"
	"tallyd/internal/usage"
)

// ErrCycleInProgress is returned when RunOnce is entered while a previous
// cycle is still executing.
var ErrCycleInProgress = errors.New("reconciliation cycle already in progress")

// Gateway is the durable store contract the cycle writes through.
// *store.Store satisfies it; tests substitute an in-memory fake.
type Gateway interface {
	EnsureSession(sessionID, projectPath string, now time.Time) error
	AppendRawSnapshot(sessionID, projectPath string, snap usage.Snapshot) error
	UpsertSessionTotals(sessionID string, snap usage.Snapshot) error
	AppendDelta(sessionID string, d usage.Delta) (int64, error)
}

// Source yields one frozen view of the external state per call.
type Source interface {
	Read() (map[string]map[string]any, error)
}

// CycleResult reports what one reconciliation cycle did.
type CycleResult struct {
	ProjectsObserved int
	DeltasRecorded   int
	SessionsEnded    int
	Errors           int
}

// Tracker reconciles external state against the registry and the store.
type Tracker struct {
	src      Source
	gateway  Gateway
	reg      *registry.Registry
	log      *slog.Logger
	m        *metrics.TallydMetrics
	inFlight atomic.Bool

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Tracker. The registry starts empty; the first successful read
// seeds the comparison baseline, so no delta is recorded for activity that
// predates process start.
func New(src Source, gateway Gateway, reg *registry.Registry, log *slog.Logger, m *metrics.TallydMetrics) *Tracker {
	return &Tracker{
		src:     src,
		gateway: gateway,
		reg:     reg,
		log:     log,
		m:       m,
		now:     time.Now,
	}
}

// RunOnce executes one reconciliation cycle: a single source read, then per
// project extract, audit, compare, delta, totals, registry update.
//
// Failure semantics: a malformed source fails the whole cycle with the
// registry untouched. A storage failure fails the cycle but keeps the
// registry advanced for every project whose durable writes completed; the
// remaining projects are retried on the next cycle.
func (t *Tracker) RunOnce() (CycleResult, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer t.inFlight.Store(false)

	started := t.now()
	t.m.CyclesTotal.Inc()
	defer func() {
		t.m.CycleDuration.ObserveDuration(t.now().Sub(started))
	}()

	projects, err := t.src.Read()
	if err != nil {
		t.m.CycleFailuresTotal.Inc()
		t.log.Error("state read failed", "error", err)
		return CycleResult{Errors: 1}, err
	}

	// Deterministic processing order; projects are independent, this only
	// stabilizes logs and partial-failure behavior.
	paths := make([]string, 0, len(projects))
	for p := range projects {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	res := CycleResult{ProjectsObserved: len(paths)}

	// Activity is decided from the frozen read alone, before any storage
	// write can interrupt the loop: a project with a session id in this
	// read stays active no matter where the loop stops.
	keys := make(map[string]registry.SessionKey, len(paths))
	var activePaths []string
	for _, path := range paths {
		sid := usage.SessionID(projects[path])
		if sid == "" {
			keys[path] = registry.PlaceholderKey(path)
		} else {
			keys[path] = registry.RealKey(sid, path)
			activePaths = append(activePaths, path)
		}
	}

	var cycleErr error
	for _, path := range paths {
		key := keys[path]

		if err := t.reconcileProject(key, path, projects[path], &res); err != nil {
			// Storage failure: stop processing, keep what succeeded.
			res.Errors++
			cycleErr = err
			t.m.CycleFailuresTotal.Inc()
			t.log.Error("project reconciliation failed",
				"project", path, "session", key.ID(), "error", err)
			break
		}
	}

	// The activity transition reflects the frozen read, not the storage
	// outcome: the read itself succeeded.
	ended := t.reg.SetActive(activePaths)
	res.SessionsEnded = len(ended)
	for _, path := range ended {
		t.log.Info("session ended", "project", path)
	}

	t.m.ActiveProjects.Set(int64(t.reg.ActiveCount()))
	t.m.TrackedSessions.Set(int64(t.reg.Len()))
	if cycleErr != nil {
		return res, cycleErr
	}

	t.log.Debug("cycle complete",
		"projects", res.ProjectsObserved,
		"deltas", res.DeltasRecorded,
		"ended", res.SessionsEnded,
		"duration", t.now().Sub(started))
	return res, nil
}

// reconcileProject runs the per-project pipeline. Any returned error is a
// storage failure; the registry is only advanced after every durable write
// for this project has succeeded.
func (t *Tracker) reconcileProject(key registry.SessionKey, path string, record map[string]any, res *CycleResult) error {
	now := t.now()
	snap := usage.Extract(record, now)
	id := key.ID()

	prev, seen := t.reg.Previous(key)
	if !seen {
		t.m.SessionsTotal.Inc()
	}

	if err := t.gateway.EnsureSession(id, path, now); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}

	// Unconditional audit trail, written before change detection so failed
	// delta logic can be diagnosed or replayed offline.
	if err := t.gateway.AppendRawSnapshot(id, path, snap); err != nil {
		return fmt.Errorf("append raw snapshot: %w", err)
	}
	t.m.RawSnapshotsTotal.Inc()

	if seen && usage.Changed(prev, snap) {
		if usage.Regressed(prev, snap) {
			// Counters shrank under the same session id. Evidence of
			// source irregularity, persisted as-is under the raw policy.
			t.log.Warn("counter regression within session",
				"project", path, "session", id,
				"prev_input", prev.InputTokens, "cur_input", snap.InputTokens)
		}

		delta := usage.Diff(prev, snap)
		seq, err := t.gateway.AppendDelta(id, delta)
		if err != nil {
			return fmt.Errorf("append delta: %w", err)
		}
		res.DeltasRecorded++
		t.m.DeltasTotal.Inc()
		t.log.Info("delta recorded",
			"project", path, "session", id, "seq", seq,
			"input", delta.InputTokens, "output", delta.OutputTokens,
			"cost", delta.CostUSD)
	}

	// Totals always reflect the latest truth, delta or not.
	if err := t.gateway.UpsertSessionTotals(id, snap); err != nil {
		return fmt.Errorf("upsert totals: %w", err)
	}

	t.reg.Observe(key, snap)
	return nil
}

// ActiveProjects returns the number of project paths active on the most
// recent cycle. The scheduler uses this to retune its interval.
func (t *Tracker) ActiveProjects() int {
	return t.reg.ActiveCount()
}

// SourceMalformed reports whether an error from RunOnce was a
// malformed-source failure, as opposed to a storage failure.
func SourceMalformed(err error) bool {
	return errors.Is(err, source.ErrMalformed)
}
