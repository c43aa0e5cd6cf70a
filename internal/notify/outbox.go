package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tokendesk/position-engine/internal/metrics"
)

// sendTimeout bounds one dispatch so a hung channel cannot stall the queue.
const sendTimeout = 10 * time.Second

// Outbox is a bounded event queue drained by a single worker.
type Outbox struct {
	notifier *Notifier
	queue    chan Event
	logger   *slog.Logger
}

// NewOutbox creates an outbox holding up to size undelivered events.
func NewOutbox(n *Notifier, size int, logger *slog.Logger) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{
		notifier: n,
		queue:    make(chan Event, size),
		logger:   logger.With(slog.String("component", "outbox")),
	}
}

var _ Publisher = (*Outbox)(nil)

// Publish enqueues e. It never blocks; when the queue is full the event is
// dropped and counted.
func (o *Outbox) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case o.queue <- e:
	default:
		metrics.NotificationsDropped.Inc()
		o.logger.Warn("notification queue full; event dropped", slog.String("event", string(e.Type)))
	}
}

// Run drains the queue until ctx is cancelled, then delivers whatever is
// still buffered before returning.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case e := <-o.queue:
			o.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-o.queue:
					o.deliver(e)
				default:
					return nil
				}
			}
		}
	}
}

func (o *Outbox) deliver(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	// Errors are already logged per sender.
	_ = o.notifier.Dispatch(ctx, e)
}
