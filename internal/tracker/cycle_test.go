package tracker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyd/internal/metrics"
	"tallyd/internal/registry"
	"tallyd/internal/source"
	"tallyd/internal/usage"
)

// fakeSource replays a queue of reads; the last entry repeats.
type fakeSource struct {
	queue []readResult
	reads int
}

type readResult struct {
	projects map[string]map[string]any
	err      error
}

func (f *fakeSource) push(projects map[string]map[string]any, err error) {
	f.queue = append(f.queue, readResult{projects: projects, err: err})
}

func (f *fakeSource) Read() (map[string]map[string]any, error) {
	idx := f.reads
	if idx >= len(f.queue) {
		idx = len(f.queue) - 1
	}
	f.reads++
	r := f.queue[idx]
	return r.projects, r.err
}

// memGateway is an in-memory Gateway with failure injection.
type memGateway struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	deltas   map[string][]usage.Delta
	rawRows  map[string]int

	// failOn, when set, makes the named operation fail for the named
	// session id.
	failOp string
	failID string

	// blockRaw, when non-nil, makes AppendRawSnapshot wait until closed;
	// rawEntered receives once when a writer parks there.
	blockRaw   chan struct{}
	rawEntered chan struct{}
}

type memSession struct {
	projectPath string
	createdAt   time.Time
	totals      usage.Snapshot
}

func newMemGateway() *memGateway {
	return &memGateway{
		sessions: make(map[string]*memSession),
		deltas:   make(map[string][]usage.Delta),
		rawRows:  make(map[string]int),
	}
}

func (g *memGateway) fail(op, id string) error {
	if g.failOp == op && g.failID == id {
		return fmt.Errorf("injected %s failure for %s", op, id)
	}
	return nil
}

func (g *memGateway) EnsureSession(sessionID, projectPath string, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("ensure", sessionID); err != nil {
		return err
	}
	if _, ok := g.sessions[sessionID]; !ok {
		g.sessions[sessionID] = &memSession{projectPath: projectPath, createdAt: now}
	}
	return nil
}

func (g *memGateway) AppendRawSnapshot(sessionID, projectPath string, snap usage.Snapshot) error {
	if g.blockRaw != nil {
		select {
		case g.rawEntered <- struct{}{}:
		default:
		}
		<-g.blockRaw
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("raw", sessionID); err != nil {
		return err
	}
	g.rawRows[sessionID]++
	return nil
}

func (g *memGateway) UpsertSessionTotals(sessionID string, snap usage.Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("totals", sessionID); err != nil {
		return err
	}
	sess, ok := g.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	sess.totals = snap
	return nil
}

func (g *memGateway) AppendDelta(sessionID string, d usage.Delta) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail("delta", sessionID); err != nil {
		return 0, err
	}
	g.deltas[sessionID] = append(g.deltas[sessionID], d)
	return int64(len(g.deltas[sessionID])), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(src Source, gw Gateway) *Tracker {
	reg := registry.New()
	m := metrics.New(metrics.NewRegistry("tallyd"))
	return New(src, gw, reg, testLogger(), m)
}

func project(sessionID string, inputTokens int64, cost float64) map[string]any {
	record := map[string]any{
		"lastTotalInputTokens": float64(inputTokens),
		"lastCost":             cost,
	}
	if sessionID != "" {
		record["lastSessionId"] = sessionID
	}
	return record
}

func TestRunOnce_AbsentSource(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{}, nil)

	tr := newTestTracker(src, newMemGateway())

	res, err := tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, res.ProjectsObserved)
	assert.Equal(t, 0, res.Errors)
}

func TestRunOnce_FirstObservationRecordsNoDelta(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{
		"/p": project("s1", 10, 0.001),
	}, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	res, err := tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProjectsObserved)
	assert.Equal(t, 0, res.DeltasRecorded, "first observation has no baseline")

	require.Contains(t, gw.sessions, "s1")
	assert.Equal(t, "/p", gw.sessions["s1"].projectPath)
	assert.Equal(t, 1, gw.rawRows["s1"])
	assert.Empty(t, gw.deltas["s1"])
	assert.Equal(t, int64(10), gw.sessions["s1"].totals.InputTokens)
}

func TestRunOnce_ChangeRecordsDeltaAndTotals(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0.001)}, nil)
	src.push(map[string]map[string]any{"/p": project("s1", 25, 0.001)}, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	_, err := tr.RunOnce()
	require.NoError(t, err)

	res, err := tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeltasRecorded)

	require.Len(t, gw.deltas["s1"], 1)
	d := gw.deltas["s1"][0]
	assert.Equal(t, int64(15), d.InputTokens)
	assert.Zero(t, d.OutputTokens)
	assert.Zero(t, d.CacheCreationTokens)
	assert.Zero(t, d.CacheReadTokens)
	assert.Zero(t, d.LinesAdded)
	assert.InDelta(t, 0, d.CostUSD, usage.CostEpsilon)
	assert.Equal(t, int64(25), gw.sessions["s1"].totals.InputTokens)
}

func TestRunOnce_UnchangedSourceIsIdempotentForDeltas(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0.001)}, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	for i := 0; i < 2; i++ {
		_, err := tr.RunOnce()
		require.NoError(t, err)
	}

	assert.Empty(t, gw.deltas["s1"], "no change, no delta")
	assert.Equal(t, 2, gw.rawRows["s1"], "audit trail is unconditional")
}

func TestRunOnce_CostWithinEpsilonIsNotAChange(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0.0010000)}, nil)
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0.0010004)}, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	_, err := tr.RunOnce()
	require.NoError(t, err)
	res, err := tr.RunOnce()
	require.NoError(t, err)

	assert.Equal(t, 0, res.DeltasRecorded)
	assert.Empty(t, gw.deltas["s1"])
	assert.Equal(t, 2, gw.rawRows["s1"])
}

func TestRunOnce_CounterRegressionPersistsRawDelta(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 500, 1.5)}, nil)
	src.push(map[string]map[string]any{"/p": project("s1", 20, 0.01)}, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	_, err := tr.RunOnce()
	require.NoError(t, err)
	res, err := tr.RunOnce()
	require.NoError(t, err, "regression is an anomaly, not a crash")

	assert.Equal(t, 1, res.DeltasRecorded)
	require.Len(t, gw.deltas["s1"], 1)
	assert.Equal(t, int64(-480), gw.deltas["s1"][0].InputTokens)
}

func TestRunOnce_MalformedSourceLeavesRegistryUntouched(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0.001)}, nil)
	src.push(nil, fmt.Errorf("%w: truncated", source.ErrMalformed))
	src.push(map[string]map[string]any{"/p": project("s1", 25, 0.001)}, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	_, err := tr.RunOnce()
	require.NoError(t, err)

	res, err := tr.RunOnce()
	require.Error(t, err)
	assert.True(t, SourceMalformed(err))
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 1, tr.ActiveProjects(), "failed cycle must not deactivate anything")

	// Baseline survived the failed cycle: the 10 -> 25 delta is still seen.
	res, err = tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeltasRecorded)
	assert.Equal(t, int64(15), gw.deltas["s1"][0].InputTokens)
}

func TestRunOnce_StorageFailureKeepsCompletedProjects(t *testing.T) {
	state := map[string]map[string]any{
		"/a": project("s1", 10, 0),
		"/b": project("s2", 10, 0),
	}
	changed := map[string]map[string]any{
		"/a": project("s1", 30, 0),
		"/b": project("s2", 40, 0),
	}

	src := &fakeSource{}
	src.push(state, nil)
	src.push(changed, nil)
	src.push(changed, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	_, err := tr.RunOnce()
	require.NoError(t, err)

	// Projects process in path order, so /a (s1) completes before the
	// injected failure on /b (s2).
	gw.failOp, gw.failID = "delta", "s2"
	res, err := tr.RunOnce()
	require.Error(t, err)
	assert.Equal(t, 1, res.DeltasRecorded, "s1's delta landed before the failure")
	assert.Equal(t, 1, res.Errors)
	require.Len(t, gw.deltas["s1"], 1)
	assert.Empty(t, gw.deltas["s2"])

	// Next cycle: s1 is already reconciled, s2 is retried.
	gw.failOp, gw.failID = "", ""
	res, err = tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeltasRecorded)
	require.Len(t, gw.deltas["s1"], 1, "s1 must not be double-recorded")
	require.Len(t, gw.deltas["s2"], 1)
	assert.Equal(t, int64(30), gw.deltas["s2"][0].InputTokens)
}

func TestRunOnce_StorageFailureDoesNotEndUnprocessedSessions(t *testing.T) {
	state := map[string]map[string]any{
		"/a": project("s1", 10, 0),
		"/b": project("s2", 10, 0),
		"/c": project("s3", 10, 0),
	}
	changed := map[string]map[string]any{
		"/a": project("s1", 20, 0),
		"/b": project("s2", 20, 0),
		"/c": project("s3", 20, 0),
	}

	src := &fakeSource{}
	src.push(state, nil)
	src.push(changed, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	_, err := tr.RunOnce()
	require.NoError(t, err)
	require.Equal(t, 3, tr.ActiveProjects())

	// The failure hits the first project in path order, so /b and /c never
	// reach the gateway. All three still carry session ids in this read,
	// so none of them has ended.
	gw.failOp, gw.failID = "delta", "s1"
	res, err := tr.RunOnce()
	require.Error(t, err)
	assert.Equal(t, 0, res.SessionsEnded)
	assert.Equal(t, 3, tr.ActiveProjects(), "a storage failure must not deactivate projects the loop never reached")
}

func TestRunOnce_ActivityTransition(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0)}, nil)
	src.push(map[string]map[string]any{"/p": project("", 10, 0)}, nil)

	tr := newTestTracker(src, newMemGateway())

	_, err := tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 1, tr.ActiveProjects())

	res, err := tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, 0, tr.ActiveProjects())
	assert.Equal(t, 1, res.SessionsEnded)
}

func TestRunOnce_PlaceholderThenRealSession(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("", 0, 0)}, nil)
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0.001)}, nil)

	gw := newMemGateway()
	tr := newTestTracker(src, gw)

	_, err := tr.RunOnce()
	require.NoError(t, err)
	require.Contains(t, gw.sessions, "path:/p")
	assert.Equal(t, 0, tr.ActiveProjects(), "placeholder carries no session id")

	_, err = tr.RunOnce()
	require.NoError(t, err)
	require.Contains(t, gw.sessions, "s1", "real session supersedes the placeholder")
	assert.Empty(t, gw.deltas["s1"], "first real observation has no baseline")
	assert.Equal(t, 1, tr.ActiveProjects())
}

func TestRunOnce_InProgressGuard(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0)}, nil)

	gw := newMemGateway()
	gw.blockRaw = make(chan struct{})
	gw.rawEntered = make(chan struct{}, 1)
	tr := newTestTracker(src, gw)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tr.RunOnce()
	}()

	// Wait until the first cycle is parked inside the gateway.
	<-gw.rawEntered

	_, err := tr.RunOnce()
	require.True(t, errors.Is(err, ErrCycleInProgress), "got %v", err)

	close(gw.blockRaw)
	<-done

	// Guard released after the cycle completes.
	_, err = tr.RunOnce()
	require.NoError(t, err)
}
