// Package notify delivers fire-and-forget events to interested parties. The
// core never publishes directly: transitions write outbox rows, and the
// Worker drains those rows through a Dispatcher after commit.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Event is a published notification.
type Event struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Dispatcher publishes events. Failures are reported to the caller for retry
// accounting but never block a core transition.
type Dispatcher interface {
	Emit(ctx context.Context, ev Event) error
}

// LogDispatcher writes events to the log. Used when no broker is configured.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Emit(ctx context.Context, ev Event) error {
	d.log.Info("notification",
		zap.String("event_id", ev.ID),
		zap.String("topic", ev.Topic),
		zap.ByteString("payload", ev.Payload),
	)
	return nil
}
