package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"leaseflow/db"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the only component that mutates a deposit's fund breakdown. Its
// mutating methods are transaction-scoped so the claim engine and the sweeps
// compose ledger writes with their own state changes atomically.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// CreateForActivation inserts the deposit created when an agreement goes
// active. The total is fixed for the life of the deposit and the full amount
// starts in escrow.
func (l *Ledger) CreateForActivation(ctx context.Context, tx pgx.Tx, agreementID string, total decimal.Decimal, now time.Time) (Record, error) {
	if !total.IsPositive() {
		return Record{}, fmt.Errorf("escrow: deposit total must be positive, got %s", total)
	}

	const insertSQL = `
INSERT INTO deposits
    (agreement_id, total_amount, status, released_to_landlord, refunded_to_tenant, remaining_in_escrow, created_at, updated_at)
VALUES ($1, $2, 'held_in_escrow', 0, 0, $2, $3, $3)
RETURNING ` + depositColumns

	rec, err := scanDeposit(tx.QueryRow(ctx, insertSQL, agreementID, total, now))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: insert deposit: %w", err)
	}
	return rec, nil
}

// Lock loads a deposit under FOR UPDATE inside the caller's transaction.
func (l *Ledger) Lock(ctx context.Context, tx pgx.Tx, depositID string) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id=$1 FOR UPDATE`, depositID)
	rec, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrDepositNotFound
		}
		return Record{}, fmt.Errorf("escrow: lock deposit: %w", err)
	}
	return rec, nil
}

// Get fetches a deposit without locking it.
func (l *Ledger) Get(ctx context.Context, q Querier, depositID string) (Record, error) {
	row := q.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE id=$1`, depositID)
	rec, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrDepositNotFound
		}
		return Record{}, fmt.Errorf("escrow: get deposit: %w", err)
	}
	return rec, nil
}

// GetByAgreement fetches the deposit belonging to an agreement, if any.
func (l *Ledger) GetByAgreement(ctx context.Context, q Querier, agreementID string) (Record, error) {
	row := q.QueryRow(ctx, `SELECT `+depositColumns+` FROM deposits WHERE agreement_id=$1`, agreementID)
	rec, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrDepositNotFound
		}
		return Record{}, fmt.Errorf("escrow: get deposit by agreement: %w", err)
	}
	return rec, nil
}

// MarkDisputed flags the deposit while open claims exist against it.
func (l *Ledger) MarkDisputed(ctx context.Context, tx pgx.Tx, rec Record, now time.Time) (Record, error) {
	if rec.Status == StatusFullyReleased {
		return Record{}, fmt.Errorf("escrow: mark disputed: %w", ErrDepositClosed)
	}
	if rec.Status == StatusDisputed {
		return rec, nil
	}
	rec.Status = StatusDisputed
	return l.persist(ctx, tx, rec, now)
}

// ApplyClaimSettlement moves a settled amount from escrow to the landlord.
// stillDisputed tells the ledger whether other open claims keep the deposit in
// dispute after this settlement.
func (l *Ledger) ApplyClaimSettlement(ctx context.Context, tx pgx.Tx, rec Record, amount decimal.Decimal, stillDisputed bool, now time.Time) (Record, error) {
	if rec.Status == StatusFullyReleased {
		return Record{}, fmt.Errorf("escrow: settle claim: %w", ErrDepositClosed)
	}

	next, err := rec.Breakdown.SettleToLandlord(amount)
	if err != nil {
		return Record{}, err
	}
	rec.Breakdown = next
	rec.Status = statusAfterMovement(rec, stillDisputed)
	return l.persist(ctx, tx, rec, now)
}

// ReleaseFullUndisputed refunds the entire remaining escrow to the tenant.
// Valid only when no open claims exist against the deposit.
func (l *Ledger) ReleaseFullUndisputed(ctx context.Context, tx pgx.Tx, rec Record, now time.Time) (Record, error) {
	if rec.Status == StatusFullyReleased {
		return Record{}, fmt.Errorf("escrow: release full: %w", ErrDepositClosed)
	}

	next, err := rec.Breakdown.RefundToTenant(rec.Breakdown.RemainingInEscrow)
	if err != nil {
		return Record{}, err
	}
	rec.Breakdown = next
	rec.Status = StatusFullyReleased
	return l.persist(ctx, tx, rec, now)
}

// Refund moves a specific amount from escrow back to the tenant, used when a
// mediation outcome frees part of an escalated claim's locked amount.
func (l *Ledger) Refund(ctx context.Context, tx pgx.Tx, rec Record, amount decimal.Decimal, stillDisputed bool, now time.Time) (Record, error) {
	if rec.Status == StatusFullyReleased {
		return Record{}, fmt.Errorf("escrow: refund: %w", ErrDepositClosed)
	}

	next, err := rec.Breakdown.RefundToTenant(amount)
	if err != nil {
		return Record{}, err
	}
	rec.Breakdown = next
	rec.Status = statusAfterMovement(rec, stillDisputed)
	return l.persist(ctx, tx, rec, now)
}

// AutoReleaseUndisputedRemainder refunds everything not tied to an open claim.
// Only genuinely disputed amounts stay locked past the inspection window.
func (l *Ledger) AutoReleaseUndisputedRemainder(ctx context.Context, tx pgx.Tx, rec Record, openClaimsTotal decimal.Decimal, now time.Time) (Record, error) {
	if rec.Status == StatusFullyReleased {
		return Record{}, fmt.Errorf("escrow: auto release: %w", ErrDepositClosed)
	}
	if openClaimsTotal.IsNegative() {
		return Record{}, fmt.Errorf("escrow: negative open-claims total %s", openClaimsTotal)
	}

	free := rec.Breakdown.RemainingInEscrow.Sub(openClaimsTotal)
	if free.IsNegative() {
		// open claims were capped at submission time; anything else is a bug
		return Record{}, fmt.Errorf("escrow: open claims %s exceed remaining %s: %w",
			openClaimsTotal, rec.Breakdown.RemainingInEscrow, ErrInsufficientEscrowBalance)
	}
	if free.IsZero() {
		return rec, nil
	}

	next, err := rec.Breakdown.RefundToTenant(free)
	if err != nil {
		return Record{}, err
	}
	rec.Breakdown = next
	rec.Status = statusAfterMovement(rec, openClaimsTotal.IsPositive())
	return l.persist(ctx, tx, rec, now)
}

func statusAfterMovement(rec Record, stillDisputed bool) Status {
	if rec.Breakdown.RemainingInEscrow.IsZero() {
		return StatusFullyReleased
	}
	if stillDisputed {
		return StatusDisputed
	}
	return StatusPartiallyReleased
}

const depositColumns = `
    id, agreement_id, total_amount, status::text,
    released_to_landlord, refunded_to_tenant, remaining_in_escrow,
    version, created_at, updated_at`

func scanDeposit(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.AgreementID, &rec.TotalAmount, &rec.Status,
		&rec.Breakdown.ReleasedToLandlord, &rec.Breakdown.RefundedToTenant, &rec.Breakdown.RemainingInEscrow,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

// persist re-checks the sum invariant in Go before writing; the deposits
// table carries the same CHECK constraint as a second line of defense.
func (l *Ledger) persist(ctx context.Context, tx pgx.Tx, rec Record, now time.Time) (Record, error) {
	if !rec.Breakdown.Reconciles(rec.TotalAmount) {
		return Record{}, fmt.Errorf("escrow: %s + %s + %s != %s: %w",
			rec.Breakdown.ReleasedToLandlord, rec.Breakdown.RefundedToTenant,
			rec.Breakdown.RemainingInEscrow, rec.TotalAmount, ErrBreakdownMismatch)
	}

	const updateSQL = `
UPDATE deposits
SET status=$1,
    released_to_landlord=$2,
    refunded_to_tenant=$3,
    remaining_in_escrow=$4,
    version=version+1,
    updated_at=$5
WHERE id=$6 AND version=$7
RETURNING version, updated_at
`
	err := tx.QueryRow(ctx, updateSQL,
		rec.Status,
		rec.Breakdown.ReleasedToLandlord, rec.Breakdown.RefundedToTenant, rec.Breakdown.RemainingInEscrow,
		now, rec.ID, rec.Version,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("escrow: persist deposit: %w", db.ErrConcurrentModification)
		}
		return Record{}, fmt.Errorf("escrow: persist deposit: %w", err)
	}
	return rec, nil
}
