// Package monitor runs the automation loops that advance positions and limit
// orders on live prices: target sell, stop-loss, rebuy and limit fill.
//
// Every loop shares one skeleton (Loop): read candidates, return early when
// there are none, resolve all their prices in one batch, then evaluate and
// act on each row in turn. A loop keeps no state between invocations, so any
// number of invocations may overlap; at-most-once execution comes from the
// guarded writes in package lifecycle.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokendesk/position-engine/internal/lifecycle"
	"github.com/tokendesk/position-engine/internal/metrics"
	"github.com/tokendesk/position-engine/internal/price"
)

// Summary is what one invocation reports to its caller.
type Summary struct {
	Loop      string                     `json:"loop"`
	CheckedAt time.Time                  `json:"checked_at"`
	Checked   int                        `json:"checked"`
	Executed  []string                   `json:"executed"`
	Prices    map[string]decimal.Decimal `json:"prices"`
}

// Runner is one schedulable invocation.
type Runner interface {
	Name() string
	Run(ctx context.Context) Summary
}

// Strategy specializes Loop for one kind of row.
type Strategy[T any] interface {
	// Name is the loop name used in logs, metrics and the API.
	Name() string
	// Candidates reads the rows this loop may act on.
	Candidates(ctx context.Context) ([]T, error)
	// Key returns the row id and the mint to price it by.
	Key(row T) (id, mint string)
	// Validate rejects rows that break a structural invariant.
	Validate(row T) error
	// Triggered evaluates the trigger predicate at px.
	Triggered(row T, px decimal.Decimal) bool
	// Execute acts on a triggered row.
	Execute(ctx context.Context, row T, px decimal.Decimal, prices map[string]decimal.Decimal) (lifecycle.Outcome, error)
}

// preparer is implemented by strategies with a cheap pass that must run
// before candidates are read.
type preparer interface {
	Prepare(ctx context.Context)
}

// extraMints is implemented by strategies that need prices beyond their
// candidates' own mints.
type extraMints interface {
	ExtraMints() []string
}

// Loop is the shared monitor skeleton.
type Loop[T any] struct {
	strategy Strategy[T]
	prices   price.Resolver
	now      func() time.Time
	logger   *slog.Logger
}

// NewLoop creates a loop for strategy s.
func NewLoop[T any](s Strategy[T], prices price.Resolver, now func() time.Time, logger *slog.Logger) *Loop[T] {
	return &Loop[T]{
		strategy: s,
		prices:   prices,
		now:      now,
		logger:   logger.With(slog.String("component", "monitor"), slog.String("loop", s.Name())),
	}
}

func (l *Loop[T]) Name() string { return l.strategy.Name() }

// Run performs one invocation. It never fails as a whole: errors are logged
// per row and the summary reports what did happen.
func (l *Loop[T]) Run(ctx context.Context) Summary {
	name := l.strategy.Name()
	start := time.Now()
	metrics.LoopRuns.WithLabelValues(name).Inc()
	defer func() {
		metrics.LoopDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	summary := Summary{
		Loop:      name,
		CheckedAt: l.now(),
		Executed:  []string{},
		Prices:    map[string]decimal.Decimal{},
	}

	if p, ok := l.strategy.(preparer); ok {
		p.Prepare(ctx)
	}

	rows, err := l.strategy.Candidates(ctx)
	if err != nil {
		l.logger.Error("load candidates failed", slog.String("err", err.Error()))
		return summary
	}
	metrics.LoopCandidates.WithLabelValues(name).Set(float64(len(rows)))
	summary.Checked = len(rows)
	if len(rows) == 0 {
		return summary
	}

	mints := make([]string, 0, len(rows))
	for _, row := range rows {
		_, mint := l.strategy.Key(row)
		mints = append(mints, mint)
	}
	if x, ok := l.strategy.(extraMints); ok {
		mints = append(mints, x.ExtraMints()...)
	}
	prices := l.prices.ResolveMany(ctx, mints)
	summary.Prices = prices

	for _, row := range rows {
		id, mint := l.strategy.Key(row)

		if err := l.strategy.Validate(row); err != nil {
			metrics.InvariantViolations.WithLabelValues(name).Inc()
			l.logger.Warn("skipping row", slog.String("id", id), slog.String("err", err.Error()))
			continue
		}
		p, ok := prices[mint]
		if !ok {
			continue
		}
		if !l.strategy.Triggered(row, p) {
			continue
		}

		outcome, err := l.strategy.Execute(ctx, row, p, prices)
		metrics.Executions.WithLabelValues(name, string(outcome)).Inc()
		switch {
		case err != nil:
			l.logger.Warn("trigger failed",
				slog.String("id", id),
				slog.String("mint", mint),
				slog.String("outcome", string(outcome)),
				slog.String("err", err.Error()),
			)
		case outcome == lifecycle.OutcomeLost:
			l.logger.Debug("row handled by another invocation", slog.String("id", id))
		}
		if outcome == lifecycle.OutcomeExecuted {
			summary.Executed = append(summary.Executed, id)
		}
	}
	return summary
}
