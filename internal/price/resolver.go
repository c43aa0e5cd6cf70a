// Package price resolves current USD prices for token mints through an
// ordered fallback chain of external quote sources.
//
// The chain never fails as a whole: a mint whose price cannot be found in
// any source is simply absent from the result. A zero, negative or
// unparsable quote is treated as absent; no price is ever synthesized.
package price

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/tokendesk/position-engine/internal/metrics"
)

// Source is one external quote provider. Quote returns prices for whichever
// of the requested mints it could resolve; a missing key means "unknown".
type Source interface {
	Name() string
	Quote(ctx context.Context, mints []string) (map[string]decimal.Decimal, error)
}

// Resolver is the price contract consumed by the monitor loops and the
// operator commands.
type Resolver interface {
	// Resolve returns the price of one mint, or false when no source knows it.
	Resolve(ctx context.Context, mint string) (decimal.Decimal, bool)

	// ResolveMany returns prices for the mints that could be resolved.
	ResolveMany(ctx context.Context, mints []string) map[string]decimal.Decimal
}

// Recorder stores the last observed price of each mint. It is metadata for
// display only and is never read back as a trigger price.
type Recorder interface {
	Record(ctx context.Context, prices map[string]decimal.Decimal)
}

// Chain tries each source in priority order, passing only the mints still
// unresolved to the next one. Each source call runs under its own timeout.
type Chain struct {
	sources  []Source
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger

	group singleflight.Group
}

// Option configures a Chain.
type Option func(*Chain)

// WithRecorder stores every resolved batch through r.
func WithRecorder(r Recorder) Option {
	return func(c *Chain) { c.recorder = r }
}

// WithLogger sets the chain's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) { c.logger = l }
}

// NewChain creates a resolver over sources in priority order.
func NewChain(timeout time.Duration, sources []Source, opts ...Option) *Chain {
	c := &Chain{
		sources: sources,
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "price"))
	return c
}

var _ Resolver = (*Chain)(nil)

// Resolve returns the price of a single mint.
func (c *Chain) Resolve(ctx context.Context, mint string) (decimal.Decimal, bool) {
	prices := c.ResolveMany(ctx, []string{mint})
	p, ok := prices[mint]
	return p, ok
}

// ResolveMany resolves a batch of mints. Concurrent calls for the same set
// of mints share a single upstream round.
func (c *Chain) ResolveMany(ctx context.Context, mints []string) map[string]decimal.Decimal {
	unique := dedupe(mints)
	if len(unique) == 0 {
		return map[string]decimal.Decimal{}
	}

	// The shared round outlives any single caller; sources are bounded by
	// the per-source timeout.
	key := strings.Join(unique, ",")
	flight := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		return c.resolve(flight, unique), nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return map[string]decimal.Decimal{}
	}

	// Callers may mutate the result; hand each one its own copy.
	shared := res.Val.(map[string]decimal.Decimal)
	out := make(map[string]decimal.Decimal, len(shared))
	for k, p := range shared {
		out[k] = p
	}
	return out
}

func (c *Chain) resolve(ctx context.Context, mints []string) map[string]decimal.Decimal {
	resolved := make(map[string]decimal.Decimal, len(mints))
	pending := mints

	for _, src := range c.sources {
		if len(pending) == 0 {
			break
		}

		quotes, err := c.quote(ctx, src, pending)
		if err != nil {
			metrics.PriceLookups.WithLabelValues(src.Name(), "error").Inc()
			c.logger.Debug("price source failed",
				slog.String("source", src.Name()),
				slog.Int("mints", len(pending)),
				slog.String("err", err.Error()),
			)
		}

		next := pending[:0:0]
		for _, m := range pending {
			if p, ok := quotes[m]; ok && p.IsPositive() {
				resolved[m] = p
				metrics.PriceLookups.WithLabelValues(src.Name(), "hit").Inc()
				continue
			}
			metrics.PriceLookups.WithLabelValues(src.Name(), "miss").Inc()
			next = append(next, m)
		}
		pending = next
	}

	if len(pending) > 0 {
		c.logger.Debug("price unavailable", slog.Any("mints", pending))
	}
	if c.recorder != nil && len(resolved) > 0 {
		c.recorder.Record(ctx, resolved)
	}
	return resolved
}

// quote calls one source under the per-source timeout. Partial results are
// kept even when the source also reports an error.
func (c *Chain) quote(ctx context.Context, src Source, mints []string) (map[string]decimal.Decimal, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return src.Quote(ctx, mints)
}

func dedupe(mints []string) []string {
	seen := make(map[string]bool, len(mints))
	out := make([]string, 0, len(mints))
	for _, m := range mints {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
