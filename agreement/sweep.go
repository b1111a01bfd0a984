package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"leaseflow/event"
)

// SweepExpiry marks every non-terminal agreement past its stage deadline as
// expired. Each agreement is swept in its own transaction with SKIP LOCKED, so
// a user action holding the row lock simply wins this tick; the row is
// revisited on the next one.
func (s *Service) SweepExpiry(ctx context.Context) (int, error) {
	now := s.clock.Now()

	rows, err := s.pool.Query(ctx, `
        SELECT id FROM tenancy_agreements
        WHERE status IN ('pending_signatures','pending_payment','website_fee_paid')
          AND expires_at IS NOT NULL
          AND expires_at <= $1
    `, now)
	if err != nil {
		return 0, fmt.Errorf("agreement: sweep query: %w", err)
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("agreement: sweep scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("agreement: sweep iterate: %w", err)
	}

	expired := 0
	for _, id := range ids {
		ok, err := s.expireOne(ctx, id)
		if err != nil {
			s.log.Warn("expiry sweep skipping agreement", zap.String("agreement_id", id), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("expiry sweep complete", zap.Int("expired", expired))
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("agreement: begin expire tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM tenancy_agreements WHERE id=$1 FOR UPDATE SKIP LOCKED`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// locked by a racing user action or already gone; first committer wins
			return false, nil
		}
		return false, fmt.Errorf("agreement: lock for expiry: %w", err)
	}

	now := s.clock.Now()
	if rec.Status.Terminal() || rec.ExpiresAt == nil || now.Before(*rec.ExpiresAt) {
		return false, nil
	}

	rec.Status = StatusExpired
	if _, err := s.persist(ctx, tx, rec, now); err != nil {
		return false, err
	}

	payload := map[string]any{"expired_at": now.UTC()}
	if err := event.AppendTimeline(ctx, tx, rec.ID, event.TypeAgreementExpired, "", payload); err != nil {
		return false, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicAgreementExpired, map[string]any{
		"agreement_id": rec.ID,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("agreement: commit expire: %w", err)
	}
	return true, nil
}
