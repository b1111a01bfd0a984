package claim

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"leaseflow/event"
)

// SweepInspectionClose releases undisputed escrow for every deposit whose
// inspection window has closed. Deposits with no open claims are refunded in
// full; otherwise only the portion not tied to an open claim moves, and the
// disputed remainder stays locked until each claim resolves.
func (s *Service) SweepInspectionClose(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-WindowDuration)

	rows, err := s.pool.Query(ctx, `
        SELECT d.id
        FROM deposits d
        JOIN tenancy_agreements a ON a.id = d.agreement_id
        WHERE d.status IN ('held_in_escrow','disputed','partially_released')
          AND a.lease_end <= $1
    `, cutoff)
	if err != nil {
		return 0, fmt.Errorf("claim: inspection sweep query: %w", err)
	}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("claim: inspection sweep scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("claim: inspection sweep iterate: %w", err)
	}

	released := 0
	for _, id := range ids {
		ok, err := s.closeInspection(ctx, id)
		if err != nil {
			s.log.Warn("inspection sweep skipping deposit", zap.String("deposit_id", id), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		s.log.Info("inspection sweep complete", zap.Int("released", released))
	}
	return released, nil
}

func (s *Service) closeInspection(ctx context.Context, depositID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("claim: begin inspection tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dep, err := s.ledger.Lock(ctx, tx, depositID)
	if err != nil {
		return false, err
	}

	now := s.clock.Now()
	openTotal, err := s.openClaimsTotal(ctx, tx, depositID, "")
	if err != nil {
		return false, err
	}

	before := dep.Breakdown
	if openTotal.IsZero() {
		dep, err = s.ledger.ReleaseFullUndisputed(ctx, tx, dep, now)
	} else {
		dep, err = s.ledger.AutoReleaseUndisputedRemainder(ctx, tx, dep, openTotal, now)
	}
	if err != nil {
		return false, err
	}
	if dep.Breakdown.RefundedToTenant.Equal(before.RefundedToTenant) {
		// nothing moved this tick; leave without an event
		return false, nil
	}

	payload := map[string]any{
		"deposit_id":           dep.ID,
		"refunded_to_tenant":   dep.Breakdown.RefundedToTenant.String(),
		"released_to_landlord": dep.Breakdown.ReleasedToLandlord.String(),
		"remaining_in_escrow":  dep.Breakdown.RemainingInEscrow.String(),
		"status":               string(dep.Status),
	}
	if err := event.AppendTimeline(ctx, tx, dep.AgreementID, event.TypeDepositReleased, "", payload); err != nil {
		return false, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicDepositReleased, payload); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("claim: commit inspection close: %w", err)
	}
	return true, nil
}
