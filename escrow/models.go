package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status tracks how much of the deposit has been disbursed.
type Status string

const (
	StatusHeldInEscrow      Status = "held_in_escrow"
	StatusDisputed          Status = "disputed"
	StatusPartiallyReleased Status = "partially_released"
	StatusFullyReleased     Status = "fully_released"
)

var (
	// ErrInsufficientEscrowBalance guards against settling more than remains
	// in escrow. Submission-time caps make it unreachable; it is checked
	// anyway.
	ErrInsufficientEscrowBalance = errors.New("escrow: insufficient balance")
	// ErrDepositNotFound is returned when no deposit row exists for the id.
	ErrDepositNotFound = errors.New("escrow: deposit not found")
	// ErrDepositClosed signals a mutation attempted on a fully released
	// deposit.
	ErrDepositClosed = errors.New("escrow: deposit fully released")
	// ErrBreakdownMismatch means a computed breakdown no longer sums to the
	// deposit total. It indicates a bug, never a caller mistake.
	ErrBreakdownMismatch = errors.New("escrow: fund breakdown does not sum to total")
)

// Breakdown is the three-way split of the deposit total. Its mutating methods
// return a new Breakdown and never change the sum, which is the central
// correctness property of the subsystem.
type Breakdown struct {
	ReleasedToLandlord decimal.Decimal
	RefundedToTenant   decimal.Decimal
	RemainingInEscrow  decimal.Decimal
}

// Total is the invariant sum of the three buckets.
func (b Breakdown) Total() decimal.Decimal {
	return b.ReleasedToLandlord.Add(b.RefundedToTenant).Add(b.RemainingInEscrow)
}

// Reconciles reports whether the breakdown sums exactly to the deposit total.
func (b Breakdown) Reconciles(total decimal.Decimal) bool {
	return b.Total().Equal(total)
}

// SettleToLandlord moves amount from escrow to the landlord bucket.
func (b Breakdown) SettleToLandlord(amount decimal.Decimal) (Breakdown, error) {
	if amount.IsNegative() {
		return Breakdown{}, fmt.Errorf("escrow: negative settlement %s", amount)
	}
	if amount.GreaterThan(b.RemainingInEscrow) {
		return Breakdown{}, fmt.Errorf("escrow: settle %s exceeds remaining %s: %w",
			amount, b.RemainingInEscrow, ErrInsufficientEscrowBalance)
	}
	return Breakdown{
		ReleasedToLandlord: b.ReleasedToLandlord.Add(amount),
		RefundedToTenant:   b.RefundedToTenant,
		RemainingInEscrow:  b.RemainingInEscrow.Sub(amount),
	}, nil
}

// RefundToTenant moves amount from escrow to the tenant bucket.
func (b Breakdown) RefundToTenant(amount decimal.Decimal) (Breakdown, error) {
	if amount.IsNegative() {
		return Breakdown{}, fmt.Errorf("escrow: negative refund %s", amount)
	}
	if amount.GreaterThan(b.RemainingInEscrow) {
		return Breakdown{}, fmt.Errorf("escrow: refund %s exceeds remaining %s: %w",
			amount, b.RemainingInEscrow, ErrInsufficientEscrowBalance)
	}
	return Breakdown{
		ReleasedToLandlord: b.ReleasedToLandlord,
		RefundedToTenant:   b.RefundedToTenant.Add(amount),
		RemainingInEscrow:  b.RemainingInEscrow.Sub(amount),
	}, nil
}

// Record mirrors the deposits table.
type Record struct {
	ID          string
	AgreementID string
	TotalAmount decimal.Decimal
	Status      Status
	Breakdown   Breakdown
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
