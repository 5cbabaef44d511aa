package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tallyd/internal/metrics"
)

// ErrCircuitOpen is returned by Run when the consecutive-failure ceiling is
// reached. The scheduler stops issuing cycles; restarting is an operational
// decision, not something the process retries its way out of.
var ErrCircuitOpen = errors.New("too many consecutive cycle failures")

// Runner is the cycle surface the scheduler drives. *Tracker satisfies it.
type Runner interface {
	RunOnce() (CycleResult, error)
	ActiveProjects() int
}

// SchedulerConfig holds scheduler tuning.
type SchedulerConfig struct {
	// ActiveInterval is the poll interval while any project is active.
	ActiveInterval time.Duration

	// IdleInterval is the poll interval while no project is active.
	IdleInterval time.Duration

	// MaxConsecutiveFailures is the circuit-breaker ceiling. Reaching it
	// terminates Run with ErrCircuitOpen.
	MaxConsecutiveFailures int
}

// DefaultSchedulerConfig returns the reference tuning: idle polls at a
// quarter of the active rate.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ActiveInterval:         15 * time.Second,
		IdleInterval:           60 * time.Second,
		MaxConsecutiveFailures: 5,
	}
}

// Scheduler drives reconciliation cycles, fast while anything is active and
// slow while idle, with a bounded-failure circuit breaker.
type Scheduler struct {
	runner Runner
	cfg    SchedulerConfig
	log    *slog.Logger
	m      *metrics.TallydMetrics

	// failures is atomic because health checks read it while Run's
	// goroutine updates it.
	failures atomic.Int32
}

// NewScheduler creates a Scheduler.
func NewScheduler(runner Runner, cfg SchedulerConfig, log *slog.Logger, m *metrics.TallydMetrics) *Scheduler {
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		log:    log,
		m:      m,
	}
}

// Run executes cycles until the context is canceled or the circuit breaker
// opens. Cycles are strictly sequential: the next one is armed only after the
// previous one returns. Cancellation takes effect between cycles; a cycle in
// flight always completes.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.IdleInterval
	s.m.PollIntervalSeconds.Set(int64(interval.Seconds()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.cycle(); err != nil {
			if errors.Is(err, ErrCircuitOpen) {
				return err
			}
		}

		// Re-arm lazily: only touch the ticker when the interval actually
		// changes, so steady state causes no timer churn.
		want := s.nextInterval()
		if want != interval {
			interval = want
			ticker.Reset(interval)
			s.m.PollIntervalSeconds.Set(int64(interval.Seconds()))
			s.log.Info("poll interval changed", "interval", interval)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// nextInterval picks the poll interval from current registry activity.
func (s *Scheduler) nextInterval() time.Duration {
	if s.runner.ActiveProjects() > 0 {
		return s.cfg.ActiveInterval
	}
	return s.cfg.IdleInterval
}

// cycle runs one reconciliation pass and maintains the failure counter.
func (s *Scheduler) cycle() error {
	_, err := s.runner.RunOnce()
	if err != nil {
		n := int(s.failures.Add(1))
		s.log.Warn("cycle failed",
			"error", err,
			"consecutive_failures", n,
			"ceiling", s.cfg.MaxConsecutiveFailures)

		if n >= s.cfg.MaxConsecutiveFailures {
			s.log.Error("failure ceiling reached, stopping scheduler",
				"failures", n)
			return fmt.Errorf("%w: %d failures, last: %v",
				ErrCircuitOpen, n, err)
		}
		return err
	}

	s.failures.Store(0)
	return nil
}

// ConsecutiveFailures returns the current failure streak.
func (s *Scheduler) ConsecutiveFailures() int {
	return int(s.failures.Load())
}
