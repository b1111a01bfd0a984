package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Worker drains the transactional outbox and hands each message to the
// Dispatcher. Rows are claimed with SKIP LOCKED so multiple workers never
// double-publish; messages that keep failing are parked as dead.
type Worker struct {
	pool        *pgxpool.Pool
	dispatcher  Dispatcher
	log         *zap.Logger
	batchSize   int
	maxAttempts int

	// OnPublished, when set, runs after each successful publish. The claim
	// engine uses it to mark tenants as notified.
	OnPublished func(ctx context.Context, topic string, payload []byte) error
}

func NewWorker(pool *pgxpool.Pool, dispatcher Dispatcher, log *zap.Logger, batchSize, maxAttempts int) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{pool: pool, dispatcher: dispatcher, log: log, batchSize: batchSize, maxAttempts: maxAttempts}
}

type outboxRow struct {
	id       string
	topic    string
	payload  []byte
	attempts int
	created  time.Time
}

// DrainOnce claims and publishes one batch of pending outbox messages,
// returning how many were published.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin drain tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
        SELECT id, topic, payload, attempts, created_at
        FROM outbox
        WHERE status = 'pending'
        ORDER BY created_at
        LIMIT $1
        FOR UPDATE SKIP LOCKED
    `, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: claim outbox batch: %w", err)
	}
	batch := make([]outboxRow, 0, w.batchSize)
	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.topic, &r.payload, &r.attempts, &r.created); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate outbox rows: %w", err)
	}

	published := 0
	for _, r := range batch {
		ev := Event{
			ID:         uuid.NewString(),
			Topic:      r.topic,
			Payload:    r.payload,
			OccurredAt: r.created.UTC(),
		}

		if err := w.dispatcher.Emit(ctx, ev); err != nil {
			status := "pending"
			if r.attempts+1 >= w.maxAttempts {
				status = "dead"
			}
			w.log.Warn("notification publish failed",
				zap.String("outbox_id", r.id),
				zap.String("topic", r.topic),
				zap.Int("attempts", r.attempts+1),
				zap.String("status", status),
				zap.Error(err),
			)
			if _, uerr := tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, status=$1 WHERE id=$2`, status, r.id); uerr != nil {
				return published, fmt.Errorf("notify: record failed attempt: %w", uerr)
			}
			continue
		}

		if _, err := tx.Exec(ctx, `UPDATE outbox SET status='processed', attempts=attempts+1 WHERE id=$1`, r.id); err != nil {
			return published, fmt.Errorf("notify: mark processed: %w", err)
		}
		published++

		if w.OnPublished != nil {
			if err := w.OnPublished(ctx, r.topic, r.payload); err != nil {
				w.log.Warn("post-publish hook failed", zap.String("topic", r.topic), zap.Error(err))
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit drain: %w", err)
	}
	return published, nil
}
