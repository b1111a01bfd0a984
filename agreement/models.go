package agreement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Party identifies which side of the agreement is acting. Identity is always
// passed explicitly into operations, never taken from ambient state.
type Party string

const (
	PartyLandlord Party = "landlord"
	PartyTenant   Party = "tenant"
)

// Record mirrors the tenancy_agreements table columns touched by the service.
type Record struct {
	ID                  string
	LandlordID          string
	TenantID            string
	PropertyID          string
	MonthlyRent         decimal.Decimal
	SecurityDeposit     decimal.Decimal
	AgreementFee        decimal.Decimal
	LeaseStart          time.Time
	LeaseEnd            time.Time
	Status              Status
	LandlordSignedAt    *time.Time
	TenantSignedAt      *time.Time
	ExpiresAt           *time.Time
	WithdrawalReason    *string
	LandlordWithdrawnAt *time.Time
	TenantWithdrawnAt   *time.Time
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SignedBy reports whether the given party has already signed.
func (r Record) SignedBy(party Party) bool {
	switch party {
	case PartyLandlord:
		return r.LandlordSignedAt != nil
	case PartyTenant:
		return r.TenantSignedAt != nil
	}
	return false
}

// CanWithdrawOffer reports whether the landlord may still withdraw the offer:
// only before the tenant has committed with a signature.
func (r Record) CanWithdrawOffer() bool {
	return r.Status == StatusPendingSignatures && r.TenantSignedAt == nil
}

// CanWithdrawSignature reports whether the tenant may still withdraw their
// signature, symmetric to CanWithdrawOffer.
func (r Record) CanWithdrawSignature() bool {
	return r.Status == StatusPendingSignatures && r.LandlordSignedAt == nil
}

// PartyID resolves a party role to the stored party identifier.
func (r Record) PartyID(party Party) string {
	if party == PartyLandlord {
		return r.LandlordID
	}
	return r.TenantID
}

// depositMultiplier fixes the security deposit held in escrow at activation:
// two months security plus half a month utility.
var depositMultiplier = decimal.RequireFromString("2.5")

// DepositTotal returns the escrow amount created when the agreement activates.
func (r Record) DepositTotal() decimal.Decimal {
	return r.MonthlyRent.Mul(depositMultiplier).Round(2)
}
