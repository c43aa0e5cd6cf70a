// Package scheduler fires each monitor loop at its fixed cadence.
//
// Every tick starts a fresh, independent invocation; a slow invocation does
// not delay or suppress the next one. Loops tolerate overlap because their
// state changes go through guarded writes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tokendesk/position-engine/internal/monitor"
)

// Scheduler owns the cron instance that drives the loops.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a scheduler. timeout bounds each invocation; it is applied on
// a context detached from shutdown so an in-flight trade can finalize.
func New(timeout time.Duration, logger *slog.Logger) *Scheduler {
	logger = logger.With(slog.String("component", "scheduler"))
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		timeout: timeout,
		logger:  logger,
	}
}

// Add schedules r every interval. Intervals below one second are rejected.
func (s *Scheduler) Add(r monitor.Runner, every time.Duration) error {
	if every < time.Second {
		return fmt.Errorf("scheduler: %s interval %s below 1s", r.Name(), every)
	}
	if _, err := s.cron.AddJob("@every "+every.String(), job{r: r, s: s}); err != nil {
		return fmt.Errorf("scheduler: add %s: %w", r.Name(), err)
	}
	s.logger.Info("loop scheduled", slog.String("loop", r.Name()), slog.Duration("every", every))
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running invocations to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()

	s.logger.Info("stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

type job struct {
	r monitor.Runner
	s *Scheduler
}

func (j job) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.s.timeout)
	defer cancel()

	sum := j.r.Run(ctx)
	level := slog.LevelDebug
	if len(sum.Executed) > 0 {
		level = slog.LevelInfo
	}
	j.s.logger.Log(ctx, level, "loop finished",
		slog.String("loop", sum.Loop),
		slog.Int("checked", sum.Checked),
		slog.Any("executed", sum.Executed),
	)
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
