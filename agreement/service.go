package agreement

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
	"leaseflow/config"
	"leaseflow/db"
	"leaseflow/escrow"
	"leaseflow/event"
	"leaseflow/payment"
)

// Service owns the tenancy-agreement state machine. Every mutation runs in a
// single transaction holding the aggregate row lock, bumps the version
// counter, appends a timeline event, and enqueues an outbox notification.
type Service struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	cfg    config.LifecycleConfig
	ledger *escrow.Ledger
	log    *zap.Logger
}

func NewService(pool *pgxpool.Pool, clk clock.Clock, cfg config.LifecycleConfig, ledger *escrow.Ledger, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if ledger == nil {
		ledger = escrow.NewLedger()
	}
	return &Service{pool: pool, clock: clk, cfg: cfg, ledger: ledger, log: log}
}

// CreateParams carries everything needed to open an agreement once a rental
// application has been accepted.
type CreateParams struct {
	LandlordID  string
	TenantID    string
	PropertyID  string
	MonthlyRent decimal.Decimal
	LeaseStart  time.Time
	LeaseEnd    time.Time
}

// Create opens a new agreement in pending_signatures with a signature-stage
// deadline. The one-time agreement fee is computed from the monthly rent at
// the configured rate and fixed for the life of the agreement.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.LandlordID == "" || params.TenantID == "" {
		return Record{}, fmt.Errorf("agreement: landlord and tenant ids required")
	}
	if params.PropertyID == "" {
		return Record{}, fmt.Errorf("agreement: property id required")
	}
	if !params.MonthlyRent.IsPositive() {
		return Record{}, fmt.Errorf("agreement: monthly rent must be positive")
	}
	if !params.LeaseEnd.After(params.LeaseStart) {
		return Record{}, fmt.Errorf("agreement: lease end must follow lease start")
	}

	now := s.clock.Now()
	fee := params.MonthlyRent.Mul(s.cfg.FeeRate).Round(2)
	securityDeposit := params.MonthlyRent.Mul(decimal.NewFromInt(2)).Round(2)
	expiresAt := now.Add(s.cfg.SignatureWindow)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO tenancy_agreements
    (landlord_id, tenant_id, property_id, monthly_rent, security_deposit, agreement_fee,
     lease_start, lease_end, status, expires_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending_signatures',$9,$10,$10)
RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		params.LandlordID, params.TenantID, params.PropertyID,
		params.MonthlyRent, securityDeposit, fee,
		params.LeaseStart, params.LeaseEnd, expiresAt, now,
	))
	if err != nil {
		return Record{}, fmt.Errorf("agreement: insert: %w", err)
	}

	payload := map[string]any{
		"property_id":  rec.PropertyID,
		"monthly_rent": rec.MonthlyRent.String(),
		"fee":          rec.AgreementFee.String(),
		"expires_at":   expiresAt.UTC(),
	}
	if err := event.AppendTimeline(ctx, tx, rec.ID, event.TypeAgreementCreated, params.LandlordID, payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicAgreementCreated, map[string]any{
		"agreement_id": rec.ID,
		"landlord_id":  rec.LandlordID,
		"tenant_id":    rec.TenantID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit create: %w", err)
	}
	return rec, nil
}

// Sign records a party's signature. Duplicate signatures are rejected, not
// ignored. When both parties are signed the agreement advances to
// pending_payment and the payment-stage deadline starts.
func (s *Service) Sign(ctx context.Context, id string, party Party, actorID string, expectedVersion int64) (Record, error) {
	if party != PartyLandlord && party != PartyTenant {
		return Record{}, fmt.Errorf("agreement: unknown party %q", party)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.PartyID(party) != actorID {
		return Record{}, ErrForbidden
	}
	if err := checkVersion(rec, expectedVersion); err != nil {
		return Record{}, err
	}

	now := s.clock.Now()
	if err := guardMutable(rec, now); err != nil {
		return Record{}, err
	}
	if !rec.Status.Signable() {
		return Record{}, fmt.Errorf("agreement: sign from status %s: %w", rec.Status, ErrInvalidTransition)
	}
	if rec.SignedBy(party) {
		return Record{}, fmt.Errorf("agreement: %s already signed: %w", party, ErrInvalidTransition)
	}

	if party == PartyLandlord {
		rec.LandlordSignedAt = &now
	} else {
		rec.TenantSignedAt = &now
	}

	topic := event.TopicAgreementSigned
	if rec.LandlordSignedAt != nil && rec.TenantSignedAt != nil {
		rec.Status = StatusPendingPayment
		deadline := now.Add(s.cfg.FeeWindow)
		rec.ExpiresAt = &deadline
		topic = event.TopicAgreementAdvanced
	}

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{"party": string(party), "status": string(rec.Status)}
	if err := event.AppendTimeline(ctx, tx, rec.ID, event.TypeAgreementSigned, actorID, payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, topic, map[string]any{
		"agreement_id": rec.ID,
		"party":        string(party),
		"status":       string(rec.Status),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit sign: %w", err)
	}
	return rec, nil
}

// WithdrawOffer lets the landlord pull the offer, but only while the tenant
// has not yet committed with a signature.
func (s *Service) WithdrawOffer(ctx context.Context, id, actorID, reason string, expectedVersion int64) (Record, error) {
	return s.withdraw(ctx, id, PartyLandlord, actorID, reason, expectedVersion)
}

// WithdrawSignature lets the tenant retract, but only while the landlord has
// not yet signed. Once both sides are committed, withdrawal is closed and
// cancellation follows the administrative path instead.
func (s *Service) WithdrawSignature(ctx context.Context, id, actorID, reason string, expectedVersion int64) (Record, error) {
	return s.withdraw(ctx, id, PartyTenant, actorID, reason, expectedVersion)
}

func (s *Service) withdraw(ctx context.Context, id string, party Party, actorID, reason string, expectedVersion int64) (Record, error) {
	if reason == "" {
		return Record{}, fmt.Errorf("agreement: withdrawal reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.PartyID(party) != actorID {
		return Record{}, ErrForbidden
	}
	if err := checkVersion(rec, expectedVersion); err != nil {
		return Record{}, err
	}

	now := s.clock.Now()
	if err := guardMutable(rec, now); err != nil {
		return Record{}, err
	}

	allowed := rec.CanWithdrawOffer()
	if party == PartyTenant {
		allowed = rec.CanWithdrawSignature()
	}
	if !allowed {
		return Record{}, fmt.Errorf("agreement: counter-party already signed: %w", ErrWithdrawalNotAllowed)
	}

	rec.Status = StatusWithdrawn
	rec.WithdrawalReason = &reason
	if party == PartyLandlord {
		rec.LandlordWithdrawnAt = &now
	} else {
		rec.TenantWithdrawnAt = &now
	}

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{"party": string(party), "reason": reason}
	if err := event.AppendTimeline(ctx, tx, rec.ID, event.TypeAgreementWithdrawn, actorID, payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicAgreementWithdrawn, map[string]any{
		"agreement_id": rec.ID,
		"party":        string(party),
		"reason":       reason,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit withdraw: %w", err)
	}
	return rec, nil
}

// RecordFeePayment moves pending_payment to website_fee_paid once the gateway
// confirmed the one-time fee. The transition never commits on a failed or
// unconfirmed outcome, so a gateway timeout leaves the agreement untouched.
func (s *Service) RecordFeePayment(ctx context.Context, id, actorID string, outcome payment.Outcome, expectedVersion int64) (Record, error) {
	if !outcome.Succeeded() {
		return Record{}, fmt.Errorf("agreement: fee payment unconfirmed: %w", payment.ErrGatewayFailure)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.TenantID != actorID {
		return Record{}, ErrForbidden
	}
	if err := checkVersion(rec, expectedVersion); err != nil {
		return Record{}, err
	}

	now := s.clock.Now()
	if err := guardMutable(rec, now); err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPendingPayment {
		return Record{}, fmt.Errorf("agreement: fee payment from status %s: %w", rec.Status, ErrInvalidTransition)
	}

	rec.Status = StatusWebsiteFeePaid
	deadline := now.Add(s.cfg.DepositWindow)
	rec.ExpiresAt = &deadline

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{"gateway_reference": outcome.Reference, "fee": rec.AgreementFee.String()}
	if err := event.AppendTimeline(ctx, tx, rec.ID, event.TypeFeePaid, actorID, payload); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicAgreementAdvanced, map[string]any{
		"agreement_id": rec.ID,
		"status":       string(rec.Status),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit fee payment: %w", err)
	}
	return rec, nil
}

// Activate finishes the lifecycle: website_fee_paid to active, and creates the
// escrow deposit in the same transaction. An agreement can never be active
// without its deposit, and a deposit never exists without an active agreement.
func (s *Service) Activate(ctx context.Context, id, actorID string, outcome payment.Outcome, expectedVersion int64) (Record, escrow.Record, error) {
	if !outcome.Succeeded() {
		return Record{}, escrow.Record{}, fmt.Errorf("agreement: deposit payment unconfirmed: %w", payment.ErrGatewayFailure)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, escrow.Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return Record{}, escrow.Record{}, err
	}
	if rec.TenantID != actorID {
		return Record{}, escrow.Record{}, ErrForbidden
	}
	if err := checkVersion(rec, expectedVersion); err != nil {
		return Record{}, escrow.Record{}, err
	}

	now := s.clock.Now()
	if err := guardMutable(rec, now); err != nil {
		return Record{}, escrow.Record{}, err
	}
	if rec.Status != StatusWebsiteFeePaid {
		return Record{}, escrow.Record{}, fmt.Errorf("agreement: activate from status %s: %w", rec.Status, ErrInvalidTransition)
	}

	rec.Status = StatusActive
	rec.ExpiresAt = nil

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, escrow.Record{}, err
	}

	dep, err := s.ledger.CreateForActivation(ctx, tx, rec.ID, rec.DepositTotal(), now)
	if err != nil {
		return Record{}, escrow.Record{}, err
	}

	payload := map[string]any{
		"gateway_reference": outcome.Reference,
		"deposit_id":        dep.ID,
		"deposit_total":     dep.TotalAmount.String(),
	}
	if err := event.AppendTimeline(ctx, tx, rec.ID, event.TypeAgreementActivated, actorID, payload); err != nil {
		return Record{}, escrow.Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicAgreementActivated, map[string]any{
		"agreement_id": rec.ID,
		"deposit_id":   dep.ID,
	}); err != nil {
		return Record{}, escrow.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, escrow.Record{}, fmt.Errorf("agreement: commit activate: %w", err)
	}
	return rec, dep, nil
}

// Cancel is the administrative branch to cancelled, reachable from any
// non-terminal pre-active state.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string, expectedVersion int64) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("agreement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := lockRecord(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if err := checkVersion(rec, expectedVersion); err != nil {
		return Record{}, err
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("agreement: cancel from status %s: %w", rec.Status, ErrInvalidTransition)
	}

	now := s.clock.Now()
	rec.Status = StatusCancelled
	if reason != "" {
		rec.WithdrawalReason = &reason
	}

	rec, err = s.persist(ctx, tx, rec, now)
	if err != nil {
		return Record{}, err
	}

	if err := event.AppendTimeline(ctx, tx, rec.ID, event.TypeAgreementCancelled, actorID, map[string]any{"reason": reason}); err != nil {
		return Record{}, err
	}
	if err := event.EnqueueOutbox(ctx, tx, event.TopicAgreementCancelled, map[string]any{
		"agreement_id": rec.ID,
		"reason":       reason,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("agreement: commit cancel: %w", err)
	}
	return rec, nil
}

// Get fetches an agreement without locking it.
func (s *Service) Get(ctx context.Context, id string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM tenancy_agreements WHERE id=$1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("agreement: get: %w", err)
	}
	return rec, nil
}

// guardMutable rejects user actions on terminal or deadline-expired
// agreements. Expired-but-unswept agreements report ErrAgreementExpired, the
// same outcome the sweep would soon make permanent.
func guardMutable(rec Record, now time.Time) error {
	switch rec.Status {
	case StatusExpired:
		return fmt.Errorf("agreement: status %s: %w", rec.Status, ErrAgreementExpired)
	case StatusActive, StatusWithdrawn, StatusCancelled:
		return fmt.Errorf("agreement: status %s is terminal: %w", rec.Status, ErrInvalidTransition)
	}
	if rec.ExpiredAt(now) {
		return fmt.Errorf("agreement: deadline passed: %w", ErrAgreementExpired)
	}
	return nil
}

func checkVersion(rec Record, expected int64) error {
	if rec.Version != expected {
		return fmt.Errorf("agreement: version %d is stale (current %d): %w", expected, rec.Version, db.ErrConcurrentModification)
	}
	return nil
}

const recordColumns = `
    id, landlord_id, tenant_id, property_id, monthly_rent, security_deposit, agreement_fee,
    lease_start, lease_end, status::text, landlord_signed_at, tenant_signed_at, expires_at,
    withdrawal_reason, landlord_withdrawn_at, tenant_withdrawn_at, version, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.LandlordID, &rec.TenantID, &rec.PropertyID,
		&rec.MonthlyRent, &rec.SecurityDeposit, &rec.AgreementFee,
		&rec.LeaseStart, &rec.LeaseEnd, &rec.Status,
		&rec.LandlordSignedAt, &rec.TenantSignedAt, &rec.ExpiresAt,
		&rec.WithdrawalReason, &rec.LandlordWithdrawnAt, &rec.TenantWithdrawnAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

func lockRecord(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM tenancy_agreements WHERE id=$1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("agreement: lock record: %w", err)
	}
	return rec, nil
}

// persist writes the mutated record back under the optimistic version guard.
// Zero affected rows while holding the row lock would mean the guard itself is
// broken, so it is surfaced as a concurrent modification.
func (s *Service) persist(ctx context.Context, tx pgx.Tx, rec Record, now time.Time) (Record, error) {
	const updateSQL = `
UPDATE tenancy_agreements
SET status=$1,
    landlord_signed_at=$2,
    tenant_signed_at=$3,
    expires_at=$4,
    withdrawal_reason=$5,
    landlord_withdrawn_at=$6,
    tenant_withdrawn_at=$7,
    version=version+1,
    updated_at=$8
WHERE id=$9 AND version=$10
RETURNING version, updated_at
`
	err := tx.QueryRow(ctx, updateSQL,
		rec.Status, rec.LandlordSignedAt, rec.TenantSignedAt, rec.ExpiresAt,
		rec.WithdrawalReason, rec.LandlordWithdrawnAt, rec.TenantWithdrawnAt,
		now, rec.ID, rec.Version,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("agreement: persist: %w", db.ErrConcurrentModification)
		}
		return Record{}, fmt.Errorf("agreement: persist: %w", err)
	}
	return rec, nil
}
