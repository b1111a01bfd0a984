package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"leaseflow/clock"
	"leaseflow/db"
	"leaseflow/escrow"
	"leaseflow/event"
)

// Service runs the claim state machine. Fund movements always go through the
// escrow ledger inside the same transaction as the claim transition.
type Service struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	ledger *escrow.Ledger
	log    *zap.Logger
}

func NewService(pool *pgxpool.Pool, clk clock.Clock, ledger *escrow.Ledger, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if ledger == nil {
		ledger = escrow.NewLedger()
	}
	return &Service{pool: pool, clock: clk, ledger: ledger, log: log}
}

// SubmitParams carries a landlord's deduction claim.
type SubmitParams struct {
	Amount      decimal.Decimal
	Title       string
	Category    string
	Description string
	Evidence    []string
}

// Submit raises a deduction claim during the open inspection window. The sum
// of all open claims may never exceed what remains in escrow; the cap is
// enforced here, at submission time, so settlement can never overdraw.
func (s *Service) Submit(ctx context.Context, depositID, landlordID string, params SubmitParams) (Record, error) {
	if !params.Amount.IsPositive() {
		return Record{}, fmt.Errorf("claim: amount must be positive")
	}
	if params.Title == "" {
		return Record{}, fmt.Errorf("claim: title required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	dep, err := s.ledger.Lock(ctx, tx, depositID)
	if err != nil {
		return Record{}, err
	}
	ag, err := agreementFor(ctx, tx, dep.AgreementID)
	if err != nil {
		return Record{}, err
	}
	if ag.LandlordID != landlordID {
		return Record{}, ErrForbidden
	}

	now := s.clock.Now()
	w := WindowFor(ag.LeaseEnd)
	if !w.Open(now) {
		return Record{}, fmt.Errorf("claim: window [%s, %s): %w", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339), ErrWindowClosed)
	}

	openTotal, err := s.openClaimsTotal(ctx, tx, depositID, "")
	if err != nil {
		return Record{}, err
	}
	if openTotal.Add(params.Amount).GreaterThan(dep.Breakdown.RemainingInEscrow) {
		return Record{}, fmt.Errorf("claim: open claims %s plus %s exceed escrow %s: %w",
			openTotal, params.Amount, dep.Breakdown.RemainingInEscrow, escrow.ErrInsufficientEscrowBalance)
	}

	const insertSQL = `
INSERT INTO deposit_claims
    (deposit_id, amount, title, category, description, evidence, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'submitted',$7,$7)
RETURNING ` + claimColumns

	rec, err := scanClaim(tx.QueryRow(ctx, insertSQL,
		depositID, params.Amount, params.Title, params.Category, params.Description,
		params.Evidence, now,
	))
	if err != nil {
		return Record{}, fmt.Errorf("claim: insert: %w", err)
	}

	if _, err := s.ledger.MarkDisputed(ctx, tx, dep, now); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"claim_id": rec.ID,
		"amount":   rec.Amount.String(),
		"title":    rec.Title,
	}
	if err := event.AppendTimeline(ctx, tx, dep.AgreementID, event.TypeClaimSubmitted, landlordID, payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicClaimSubmitted, map[string]any{
		"claim_id":     rec.ID,
		"deposit_id":   depositID,
		"agreement_id": dep.AgreementID,
		"amount":       rec.Amount.String(),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("claim: commit submit: %w", err)
	}
	return rec, nil
}

// MarkTenantNotified advances submitted to tenant_notified once the claim
// event has actually been published to the tenant. Idempotent: claims already
// past submitted are returned unchanged.
func (s *Service) MarkTenantNotified(ctx context.Context, claimID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockClaim(ctx, tx, claimID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusSubmitted {
		return rec, nil
	}

	rec.Status = StatusTenantNotified
	rec, err = s.persist(ctx, tx, rec, s.clock.Now())
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("claim: commit notify: %w", err)
	}
	return rec, nil
}

// RespondParams carries the tenant's one allowed reply.
type RespondParams struct {
	Response      TenantResponse
	CounterAmount *decimal.Decimal
	Explanation   string
	Evidence      []string
}

// TenantRespond records the tenant's reply. Accepting settles the full
// claimed amount immediately; rejecting or partially accepting moves the
// claim to disputed and hands the next step to the landlord.
func (s *Service) TenantRespond(ctx context.Context, claimID, tenantID string, params RespondParams, expectedVersion int64) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockClaim(ctx, tx, claimID)
	if err != nil {
		return Record{}, err
	}
	dep, err := s.ledger.Lock(ctx, tx, rec.DepositID)
	if err != nil {
		return Record{}, err
	}
	ag, err := agreementFor(ctx, tx, dep.AgreementID)
	if err != nil {
		return Record{}, err
	}
	if ag.TenantID != tenantID {
		return Record{}, ErrForbidden
	}
	if err := checkVersion(rec, expectedVersion); err != nil {
		return Record{}, err
	}
	if !rec.AwaitingTenant() {
		return Record{}, fmt.Errorf("claim: respond from status %s: %w", rec.Status, ErrInvalidTransition)
	}

	now := s.clock.Now()
	response := params.Response
	rec.TenantResponse = &response
	if params.Explanation != "" {
		rec.TenantExplanation = &params.Explanation
	}
	rec.TenantEvidence = params.Evidence

	topic := event.TopicClaimResponded
	eventType := event.TypeClaimResponded

	switch params.Response {
	case ResponseAccept:
		stillDisputed, err := s.otherClaimsOpen(ctx, tx, rec.DepositID, rec.ID)
		if err != nil {
			return Record{}, err
		}
		if _, err := s.ledger.ApplyClaimSettlement(ctx, tx, dep, rec.Amount, stillDisputed, now); err != nil {
			return Record{}, err
		}
		settled := rec.Amount
		rec.Status = StatusAccepted
		rec.SettledAmount = &settled
		topic = event.TopicClaimResolved
		eventType = event.TypeClaimResolved
	case ResponsePartialAccept:
		if err := validateCounter(params.CounterAmount, rec.Amount); err != nil {
			return Record{}, err
		}
		rec.TenantCounterAmount = params.CounterAmount
		rec.Status = StatusDisputed
	case ResponseReject:
		rec.Status = StatusDisputed
	default:
		return Record{}, fmt.Errorf("claim: unknown response %q", params.Response)
	}

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"claim_id": rec.ID,
		"response": string(params.Response),
		"status":   string(rec.Status),
	}
	if rec.SettledAmount != nil {
		payload["settled_amount"] = rec.SettledAmount.String()
	}
	if err := event.AppendTimeline(ctx, tx, dep.AgreementID, eventType, tenantID, payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, topic, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("claim: commit respond: %w", err)
	}
	return rec, nil
}

// LandlordRespondToDispute records the landlord's reply to a disputed claim.
// A counter-amount can only be accepted when the tenant actually offered one;
// a flat rejection leaves escalation as the only move.
func (s *Service) LandlordRespondToDispute(ctx context.Context, claimID, landlordID string, decision LandlordDecision, notes string, expectedVersion int64) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockClaim(ctx, tx, claimID)
	if err != nil {
		return Record{}, err
	}
	dep, err := s.ledger.Lock(ctx, tx, rec.DepositID)
	if err != nil {
		return Record{}, err
	}
	ag, err := agreementFor(ctx, tx, dep.AgreementID)
	if err != nil {
		return Record{}, err
	}
	if ag.LandlordID != landlordID {
		return Record{}, ErrForbidden
	}
	if err := checkVersion(rec, expectedVersion); err != nil {
		return Record{}, err
	}
	if rec.Status != StatusDisputed {
		return Record{}, fmt.Errorf("claim: dispute response from status %s: %w", rec.Status, ErrInvalidTransition)
	}

	now := s.clock.Now()
	rec.LandlordDecision = &decision
	if notes != "" {
		rec.LandlordNotes = &notes
	}

	var topic, eventType string
	switch decision {
	case DecisionAcceptCounter:
		if rec.TenantResponse == nil || *rec.TenantResponse != ResponsePartialAccept || rec.TenantCounterAmount == nil {
			return Record{}, fmt.Errorf("claim: no counter-amount to accept: %w", ErrInvalidTransition)
		}
		stillDisputed, err := s.otherClaimsOpen(ctx, tx, rec.DepositID, rec.ID)
		if err != nil {
			return Record{}, err
		}
		if _, err := s.ledger.ApplyClaimSettlement(ctx, tx, dep, *rec.TenantCounterAmount, stillDisputed, now); err != nil {
			return Record{}, err
		}
		rec.Status = StatusAccepted
		rec.SettledAmount = rec.TenantCounterAmount
		topic = event.TopicClaimResolved
		eventType = event.TypeClaimResolved
	case DecisionEscalate:
		// the claimed amount stays locked in escrow until mediation reports back
		rec.Status = StatusEscalated
		topic = event.TopicClaimEscalated
		eventType = event.TypeClaimEscalated
	default:
		return Record{}, fmt.Errorf("claim: unknown decision %q", decision)
	}

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"claim_id": rec.ID,
		"decision": string(decision),
		"status":   string(rec.Status),
	}
	if rec.SettledAmount != nil {
		payload["settled_amount"] = rec.SettledAmount.String()
	}
	if err := event.AppendTimeline(ctx, tx, dep.AgreementID, eventType, landlordID, payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, topic, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("claim: commit dispute response: %w", err)
	}
	return rec, nil
}

// RecordMediationOutcome settles an escalated claim with the amount mediation
// awarded the landlord. The unawarded remainder of the claimed amount is
// refunded to the tenant; nothing else was holding it.
func (s *Service) RecordMediationOutcome(ctx context.Context, claimID string, amount decimal.Decimal) (Record, error) {
	if amount.IsNegative() {
		return Record{}, fmt.Errorf("claim: mediation amount must not be negative")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockClaim(ctx, tx, claimID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusEscalated {
		return Record{}, fmt.Errorf("claim: mediation outcome from status %s: %w", rec.Status, ErrInvalidTransition)
	}
	if amount.GreaterThan(rec.Amount) {
		return Record{}, fmt.Errorf("claim: mediation amount %s exceeds claimed %s: %w", amount, rec.Amount, ErrInvalidCounterAmount)
	}

	dep, err := s.ledger.Lock(ctx, tx, rec.DepositID)
	if err != nil {
		return Record{}, err
	}

	now := s.clock.Now()
	stillDisputed, err := s.otherClaimsOpen(ctx, tx, rec.DepositID, rec.ID)
	if err != nil {
		return Record{}, err
	}

	if amount.IsPositive() {
		dep, err = s.ledger.ApplyClaimSettlement(ctx, tx, dep, amount, stillDisputed, now)
		if err != nil {
			return Record{}, err
		}
	}
	if leftover := rec.Amount.Sub(amount); leftover.IsPositive() {
		if _, err := s.ledger.Refund(ctx, tx, dep, leftover, stillDisputed, now); err != nil {
			return Record{}, err
		}
	}

	settled := amount
	rec.Status = StatusAccepted
	rec.SettledAmount = &settled

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"claim_id":       rec.ID,
		"settled_amount": settled.String(),
		"via":            "mediation",
	}
	if err := event.AppendTimeline(ctx, tx, dep.AgreementID, event.TypeClaimResolved, "", payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicClaimResolved, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("claim: commit mediation outcome: %w", err)
	}
	return rec, nil
}

// ListForDeposit returns the deposit's claims as seen by the viewer. The
// landlord sees everything; the tenant only sees claims already surfaced to
// them or submitted before a now-closed window.
func (s *Service) ListForDeposit(ctx context.Context, depositID, viewerID string) ([]Record, error) {
	dep, err := s.ledger.Get(ctx, s.pool, depositID)
	if err != nil {
		return nil, err
	}
	ag, err := agreementFor(ctx, s.pool, dep.AgreementID)
	if err != nil {
		return nil, err
	}
	if viewerID != ag.LandlordID && viewerID != ag.TenantID {
		return nil, ErrForbidden
	}

	rows, err := s.pool.Query(ctx, `SELECT `+claimColumns+` FROM deposit_claims WHERE deposit_id=$1 ORDER BY created_at`, depositID)
	if err != nil {
		return nil, fmt.Errorf("claim: list: %w", err)
	}
	defer rows.Close()

	now := s.clock.Now()
	w := WindowFor(ag.LeaseEnd)
	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("claim: scan: %w", err)
		}
		if viewerID == ag.TenantID && !VisibleToTenant(rec, w, now) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: iterate: %w", err)
	}
	return out, nil
}

// Get fetches a claim without locking it.
func (s *Service) Get(ctx context.Context, claimID string) (Record, error) {
	rec, err := scanClaim(s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM deposit_claims WHERE id=$1`, claimID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("claim: get: %w", err)
	}
	return rec, nil
}

// validateCounter enforces that a partial acceptance carries an amount
// strictly between zero and the claimed amount.
func validateCounter(counter *decimal.Decimal, claimed decimal.Decimal) error {
	if counter == nil {
		return fmt.Errorf("claim: partial acceptance requires a counter amount: %w", ErrInvalidCounterAmount)
	}
	if !counter.IsPositive() || !counter.LessThan(claimed) {
		return fmt.Errorf("claim: counter %s must be strictly between 0 and %s: %w", counter, claimed, ErrInvalidCounterAmount)
	}
	return nil
}

func checkVersion(rec Record, expected int64) error {
	if rec.Version != expected {
		return fmt.Errorf("claim: version %d is stale (current %d): %w", expected, rec.Version, db.ErrConcurrentModification)
	}
	return nil
}

// openClaimsTotal sums the amounts of claims still holding escrow, optionally
// excluding one claim.
func (s *Service) openClaimsTotal(ctx context.Context, tx pgx.Tx, depositID, excludeID string) (decimal.Decimal, error) {
	query := `
        SELECT COALESCE(SUM(amount),0) FROM deposit_claims
        WHERE deposit_id=$1 AND status IN ('submitted','tenant_notified','disputed','escalated')
    `
	args := []any{depositID}
	if excludeID != "" {
		query += ` AND id <> $2`
		args = append(args, excludeID)
	}
	var total decimal.Decimal
	if err := tx.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return decimal.Decimal{}, fmt.Errorf("claim: sum open claims: %w", err)
	}
	return total, nil
}

func (s *Service) otherClaimsOpen(ctx context.Context, tx pgx.Tx, depositID, excludeID string) (bool, error) {
	total, err := s.openClaimsTotal(ctx, tx, depositID, excludeID)
	if err != nil {
		return false, err
	}
	return total.IsPositive(), nil
}

// agreementRef is the slice of agreement state the claim engine needs.
type agreementRef struct {
	ID         string
	LandlordID string
	TenantID   string
	LeaseEnd   time.Time
}

func agreementFor(ctx context.Context, q escrow.Querier, agreementID string) (agreementRef, error) {
	var ref agreementRef
	err := q.QueryRow(ctx, `
        SELECT id, landlord_id, tenant_id, lease_end FROM tenancy_agreements WHERE id=$1
    `, agreementID).Scan(&ref.ID, &ref.LandlordID, &ref.TenantID, &ref.LeaseEnd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return agreementRef{}, fmt.Errorf("claim: agreement %s missing", agreementID)
		}
		return agreementRef{}, fmt.Errorf("claim: load agreement: %w", err)
	}
	return ref, nil
}

const claimColumns = `
    id, deposit_id, amount, title, category, description, evidence, status::text,
    tenant_response, tenant_counter_amount, tenant_explanation, tenant_evidence,
    landlord_decision, landlord_notes, settled_amount, version, created_at, updated_at`

func scanClaim(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.DepositID, &rec.Amount, &rec.Title, &rec.Category, &rec.Description,
		&rec.Evidence, &rec.Status,
		&rec.TenantResponse, &rec.TenantCounterAmount, &rec.TenantExplanation, &rec.TenantEvidence,
		&rec.LandlordDecision, &rec.LandlordNotes, &rec.SettledAmount,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

func lockClaim(ctx context.Context, tx pgx.Tx, claimID string) (Record, error) {
	rec, err := scanClaim(tx.QueryRow(ctx, `SELECT `+claimColumns+` FROM deposit_claims WHERE id=$1 FOR UPDATE`, claimID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("claim: lock claim: %w", err)
	}
	return rec, nil
}

func (s *Service) persist(ctx context.Context, tx pgx.Tx, rec Record, now time.Time) (Record, error) {
	const updateSQL = `
UPDATE deposit_claims
SET status=$1,
    tenant_response=$2,
    tenant_counter_amount=$3,
    tenant_explanation=$4,
    tenant_evidence=$5,
    landlord_decision=$6,
    landlord_notes=$7,
    settled_amount=$8,
    version=version+1,
    updated_at=$9
WHERE id=$10 AND version=$11
RETURNING version, updated_at
`
	err := tx.QueryRow(ctx, updateSQL,
		rec.Status, rec.TenantResponse, rec.TenantCounterAmount, rec.TenantExplanation,
		rec.TenantEvidence, rec.LandlordDecision, rec.LandlordNotes, rec.SettledAmount,
		now, rec.ID, rec.Version,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("claim: persist: %w", db.ErrConcurrentModification)
		}
		return Record{}, fmt.Errorf("claim: persist: %w", err)
	}
	return rec, nil
}
