package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tallyd/internal/metrics"
	"tallyd/internal/registry"
	"tallyd/internal/source"
)

// fakeRunner scripts cycle outcomes for scheduler tests. The counters are
// atomic because tests observe them while Run is on another goroutine.
type fakeRunner struct {
	errs   []error
	cycles atomic.Int32
	active atomic.Int32
}

func (f *fakeRunner) RunOnce() (CycleResult, error) {
	idx := int(f.cycles.Add(1)) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return CycleResult{Errors: 1}, f.errs[idx]
	}
	return CycleResult{}, nil
}

func (f *fakeRunner) ActiveProjects() int {
	return int(f.active.Load())
}

func newTestScheduler(r Runner, cfg SchedulerConfig) *Scheduler {
	m := metrics.New(metrics.NewRegistry("tallyd"))
	return NewScheduler(r, cfg, testLogger(), m)
}

func TestScheduler_CircuitBreakerStopsAtCeiling(t *testing.T) {
	malformed := fmt.Errorf("%w: bad read", source.ErrMalformed)
	runner := &fakeRunner{
		// Three failures, then a well-formed state that must never run.
		errs: []error{malformed, malformed, malformed, nil},
	}

	sched := newTestScheduler(runner, SchedulerConfig{
		ActiveInterval:         time.Millisecond,
		IdleInterval:           time.Millisecond,
		MaxConsecutiveFailures: 3,
	})

	err := sched.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen), "got %v", err)
	assert.Equal(t, int32(3), runner.cycles.Load(), "the fourth cycle must never be issued")
	assert.Equal(t, 3, sched.ConsecutiveFailures())
}

func TestScheduler_FailureCounterResetsOnSuccess(t *testing.T) {
	boom := errors.New("storage down")
	runner := &fakeRunner{
		errs: []error{boom, boom, nil, boom},
	}

	sched := newTestScheduler(runner, SchedulerConfig{
		ActiveInterval:         time.Millisecond,
		IdleInterval:           time.Millisecond,
		MaxConsecutiveFailures: 3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	// Without the reset after cycle 3, cycle 4's failure would trip the
	// breaker; give it enough cycles to prove it keeps running.
	require.Eventually(t, func() bool { return runner.cycles.Load() >= 6 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.False(t, errors.Is(err, ErrCircuitOpen))
}

func TestScheduler_IntervalFollowsActivity(t *testing.T) {
	cfg := SchedulerConfig{
		ActiveInterval:         15 * time.Second,
		IdleInterval:           60 * time.Second,
		MaxConsecutiveFailures: 3,
	}
	runner := &fakeRunner{}
	sched := newTestScheduler(runner, cfg)

	assert.Equal(t, cfg.IdleInterval, sched.nextInterval())

	runner.active.Store(1)
	assert.Equal(t, cfg.ActiveInterval, sched.nextInterval())

	runner.active.Store(0)
	assert.Equal(t, cfg.IdleInterval, sched.nextInterval())
}

func TestScheduler_IntervalSwitchesToIdleWhenLastProjectEnds(t *testing.T) {
	// End to end against the real tracker: one active project on cycle one,
	// no session id on cycle two.
	src := &fakeSource{}
	src.push(map[string]map[string]any{"/p": project("s1", 10, 0)}, nil)
	src.push(map[string]map[string]any{"/p": project("", 10, 0)}, nil)

	reg := registry.New()
	m := metrics.New(metrics.NewRegistry("tallyd"))
	tr := New(src, newMemGateway(), reg, testLogger(), m)

	sched := newTestScheduler(tr, DefaultSchedulerConfig())

	_, err := tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, sched.cfg.ActiveInterval, sched.nextInterval())

	_, err = tr.RunOnce()
	require.NoError(t, err)
	assert.Equal(t, sched.cfg.IdleInterval, sched.nextInterval())
}
