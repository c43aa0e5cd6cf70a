package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
)

// RetryingGateway retries transient sell failures within one call. Buys are
// never retried here: a buy whose outcome is unknown must not be submitted
// twice, so it surfaces to the caller and waits for the next tick.
type RetryingGateway struct {
	next        Gateway
	maxAttempts int
	minDelay    time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
}

// NewRetryingGateway wraps next. maxAttempts counts the first try.
func NewRetryingGateway(next Gateway, maxAttempts int, logger *slog.Logger) *RetryingGateway {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingGateway{
		next:        next,
		maxAttempts: maxAttempts,
		minDelay:    250 * time.Millisecond,
		maxDelay:    2 * time.Second,
		logger:      logger.With(slog.String("component", "execution-retry")),
	}
}

var _ Gateway = (*RetryingGateway)(nil)

// Buy passes straight through.
func (g *RetryingGateway) Buy(ctx context.Context, req Request) (*Result, error) {
	return g.next.Buy(ctx, req)
}

// Sell retries transient failures with jittered exponential backoff.
func (g *RetryingGateway) Sell(ctx context.Context, req Request) (*Result, error) {
	b := &backoff.Backoff{
		Min:    g.minDelay,
		Max:    g.maxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		res, err := g.next.Sell(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ClassOf(err) != ClassTransient || attempt == g.maxAttempts {
			break
		}

		wait := b.Duration()
		g.logger.Debug("retrying sell",
			slog.String("mint", req.TokenMint),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}
