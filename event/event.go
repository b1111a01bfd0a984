// Package event owns the append-only timeline and the transactional outbox.
// Every lifecycle, ledger, and claim mutation records what happened here, in
// the same transaction as the state change, so observers and the notification
// dispatcher never see a transition without its event (or vice versa).
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline event types appended by the core.
const (
	TypeAgreementCreated   = "AGREEMENT_CREATED"
	TypeAgreementSigned    = "AGREEMENT_SIGNED"
	TypeAgreementWithdrawn = "AGREEMENT_WITHDRAWN"
	TypeAgreementExpired   = "AGREEMENT_EXPIRED"
	TypeAgreementCancelled = "AGREEMENT_CANCELLED"
	TypeFeePaid            = "WEBSITE_FEE_PAID"
	TypeAgreementActivated = "AGREEMENT_ACTIVATED"
	TypeClaimSubmitted     = "CLAIM_SUBMITTED"
	TypeClaimResponded     = "CLAIM_RESPONDED"
	TypeClaimResolved      = "CLAIM_RESOLVED"
	TypeClaimEscalated     = "CLAIM_ESCALATED"
	TypeDepositReleased    = "DEPOSIT_RELEASED"
)

// Outbox topics consumed by the notification dispatcher.
const (
	TopicAgreementCreated   = "agreement.created"
	TopicAgreementSigned    = "agreement.signed"
	TopicAgreementAdvanced  = "agreement.advanced"
	TopicAgreementWithdrawn = "agreement.withdrawn"
	TopicAgreementExpired   = "agreement.expired"
	TopicAgreementCancelled = "agreement.cancelled"
	TopicAgreementActivated = "agreement.activated"
	TopicClaimSubmitted     = "claim.submitted"
	TopicClaimResponded     = "claim.responded"
	TopicClaimResolved      = "claim.resolved"
	TopicClaimEscalated     = "claim.escalated"
	TopicDepositReleased    = "deposit.released"
)

// AppendTimeline inserts a timeline event for the agreement inside the active
// transaction. Sequence numbers are monotonic per agreement; callers hold the
// aggregate row lock, so MAX+1 is safe here.
func AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE agreement_id=$1`, agreementID).Scan(&seq); err != nil {
		return fmt.Errorf("event: next timeline seq: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO timeline_events (agreement_id, seq, type, payload, actor_id)
VALUES ($1, $2, $3, $4::jsonb, $5::uuid)
`
	if _, err := tx.Exec(ctx, q, agreementID, seq, eventType, body, actor); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox records a fire-and-forget notification for the outbox worker
// to publish after the surrounding transaction commits.
func EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}
