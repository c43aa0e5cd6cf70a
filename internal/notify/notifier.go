// Package notify fans lifecycle events out to operator channels (Telegram,
// Discord, WebSocket clients, Redis pub/sub).
//
// Delivery is strictly downstream of the state transition: the engine
// publishes into a bounded Outbox and never waits for, or reads back, a
// delivery result. A failing channel is logged and counted, nothing more.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tokendesk/position-engine/internal/metrics"
)

// Sender is one notification channel.
type Sender interface {
	// Send delivers one event.
	Send(ctx context.Context, e Event) error
	// Name returns a short identifier for the sender (e.g. "telegram").
	Name() string
}

// Publisher accepts events without blocking. Implemented by Outbox.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

// Notifier dispatches events to its senders. When an event filter is set only
// listed event types are delivered.
type Notifier struct {
	senders []Sender
	events  map[EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list allows every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Add registers another sender. Not safe for use once dispatching started.
func (n *Notifier) Add(s Sender) {
	n.senders = append(n.senders, s)
}

// Dispatch delivers e to every sender. One sender failing does not stop
// delivery to the rest; the failures are returned combined.
func (n *Notifier) Dispatch(ctx context.Context, e Event) error {
	if len(n.events) > 0 && !n.events[e.Type] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(e.Type)))
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, e); err != nil {
			metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", string(e.Type)),
				slog.String("err", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
