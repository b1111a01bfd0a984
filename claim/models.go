package claim

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the claim's resolution position.
type Status string

const (
	StatusSubmitted      Status = "submitted"
	StatusTenantNotified Status = "tenant_notified"
	StatusAccepted       Status = "accepted"
	StatusDisputed       Status = "disputed"
	StatusEscalated      Status = "escalated"
)

// TenantResponse is the tenant's single allowed reply to a claim.
type TenantResponse string

const (
	ResponseAccept        TenantResponse = "accept"
	ResponsePartialAccept TenantResponse = "partial_accept"
	ResponseReject        TenantResponse = "reject"
)

// LandlordDecision is the landlord's reply to a disputed claim.
type LandlordDecision string

const (
	DecisionAcceptCounter LandlordDecision = "accept_counter"
	DecisionEscalate      LandlordDecision = "escalate"
)

var (
	// ErrNotFound is returned when no claim row exists for the id.
	ErrNotFound = errors.New("claim: not found")
	// ErrForbidden is returned when the acting party does not belong to the
	// claim's agreement or acts outside their role.
	ErrForbidden = errors.New("claim: forbidden")
	// ErrInvalidTransition is returned when an operation is not legal from
	// the claim's current status.
	ErrInvalidTransition = errors.New("claim: invalid transition")
	// ErrWindowClosed is returned when a claim is submitted outside the
	// inspection window.
	ErrWindowClosed = errors.New("claim: inspection window closed")
	// ErrInvalidCounterAmount is returned when a partial acceptance does not
	// carry a counter-amount strictly between zero and the claimed amount.
	ErrInvalidCounterAmount = errors.New("claim: invalid counter amount")
)

// Record mirrors the deposit_claims table.
type Record struct {
	ID                  string
	DepositID           string
	Amount              decimal.Decimal
	Title               string
	Category            string
	Description         string
	Evidence            []string
	Status              Status
	TenantResponse      *TenantResponse
	TenantCounterAmount *decimal.Decimal
	TenantExplanation   *string
	TenantEvidence      []string
	LandlordDecision    *LandlordDecision
	LandlordNotes       *string
	SettledAmount       *decimal.Decimal
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Open reports whether the claim still holds escrow funds: everything except
// a settled (accepted) claim. Escalated claims stay open until mediation
// reports an outcome.
func (r Record) Open() bool {
	return r.Status != StatusAccepted
}

// AwaitingTenant reports whether the tenant may still respond.
func (r Record) AwaitingTenant() bool {
	return r.Status == StatusSubmitted || r.Status == StatusTenantNotified
}
