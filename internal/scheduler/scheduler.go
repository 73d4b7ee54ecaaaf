package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/signflow/internal/engine"
)

// DefaultSchedule runs a sweep every 30 seconds.
const DefaultSchedule = "@every 30s"

// Sweeper settles deadlines that passed while nothing was watching:
// expired approvals, due timers and signature timeouts.
// Satisfied by the orchestrator.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (engine.SweepReport, error)
}

// Scheduler runs the sweeper on a cron schedule.
type Scheduler struct {
	sweeper  Sweeper
	parser   cron.Parser
	schedule string
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	runs    atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSchedule sets the cron expression or descriptor ("@every 1m").
func WithSchedule(expr string) Option {
	return func(s *Scheduler) { s.schedule = expr }
}

// WithTimeout bounds a single sweep.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithClock overrides the sweep clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(sweeper Sweeper, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper:  sweeper,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedule: DefaultSchedule,
		timeout:  time.Minute,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps once immediately, then on every tick of the schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	if _, err := s.parser.Parse(s.schedule); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", s.schedule, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.Tick(s.ctx) }); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron = c

	go s.Tick(s.ctx)
	c.Start()
	s.logger.Info("scheduler started", slog.String("schedule", s.schedule))
	return nil
}

// Tick runs one sweep unless another is still in flight.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sweep still running, skipping tick")
		return
	}
	defer s.running.Store(false)
	if ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.sweeper.SweepExpired(ctx, s.now().UTC())
	s.runs.Add(1)
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
	}
	if report.ExpiredApprovals+report.FiredTimers+report.TimedOutSignatures > 0 {
		s.logger.Info("sweep settled deadlines",
			slog.Int("expired_approvals", report.ExpiredApprovals),
			slog.Int("fired_timers", report.FiredTimers),
			slog.Int("timed_out_signatures", report.TimedOutSignatures),
		)
	}
}

// Runs reports how many sweeps have completed.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Stop gracefully shuts down the scheduler, waiting for an in-flight sweep.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return nil
	}

	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	s.cron = nil
	s.cancel = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
