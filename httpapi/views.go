package httpapi

import (
	"time"

	"leaseflow/agreement"
	"leaseflow/claim"
	"leaseflow/escrow"
)

type agreementViewBody struct {
	ID                   string              `json:"id"`
	LandlordID           string              `json:"landlord_id"`
	TenantID             string              `json:"tenant_id"`
	PropertyID           string              `json:"property_id"`
	MonthlyRent          string              `json:"monthly_rent"`
	SecurityDeposit      string              `json:"security_deposit"`
	AgreementFee         string              `json:"agreement_fee"`
	LeaseStart           time.Time           `json:"lease_start"`
	LeaseEnd             time.Time           `json:"lease_end"`
	Status               string              `json:"status"`
	LandlordSignedAt     *time.Time          `json:"landlord_signed_at,omitempty"`
	TenantSignedAt       *time.Time          `json:"tenant_signed_at,omitempty"`
	ExpiresAt            *time.Time          `json:"expires_at,omitempty"`
	Countdown            agreement.Countdown `json:"countdown"`
	CanWithdrawOffer     bool                `json:"can_withdraw_offer"`
	CanWithdrawSignature bool                `json:"can_withdraw_signature"`
	WithdrawalReason     *string             `json:"withdrawal_reason,omitempty"`
	Version              int64               `json:"version"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

func (h *Handlers) agreementView(rec agreement.Record) agreementViewBody {
	now := h.clock.Now()
	return agreementViewBody{
		ID:                   rec.ID,
		LandlordID:           rec.LandlordID,
		TenantID:             rec.TenantID,
		PropertyID:           rec.PropertyID,
		MonthlyRent:          rec.MonthlyRent.StringFixed(2),
		SecurityDeposit:      rec.SecurityDeposit.StringFixed(2),
		AgreementFee:         rec.AgreementFee.StringFixed(2),
		LeaseStart:           rec.LeaseStart,
		LeaseEnd:             rec.LeaseEnd,
		Status:               string(rec.Status),
		LandlordSignedAt:     rec.LandlordSignedAt,
		TenantSignedAt:       rec.TenantSignedAt,
		ExpiresAt:            rec.ExpiresAt,
		Countdown:            rec.Remaining(now),
		CanWithdrawOffer:     rec.CanWithdrawOffer(),
		CanWithdrawSignature: rec.CanWithdrawSignature(),
		WithdrawalReason:     rec.WithdrawalReason,
		Version:              rec.Version,
		CreatedAt:            rec.CreatedAt,
		UpdatedAt:            rec.UpdatedAt,
	}
}

type fundBreakdownBody struct {
	ReleasedToLandlord string `json:"released_to_landlord"`
	RefundedToTenant   string `json:"refunded_to_tenant"`
	RemainingInEscrow  string `json:"remaining_in_escrow"`
}

type depositViewBody struct {
	ID            string            `json:"id"`
	AgreementID   string            `json:"agreement_id"`
	TotalAmount   string            `json:"total_amount"`
	Status        string            `json:"status"`
	FundBreakdown fundBreakdownBody `json:"fund_breakdown"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func depositView(rec escrow.Record) depositViewBody {
	return depositViewBody{
		ID:          rec.ID,
		AgreementID: rec.AgreementID,
		TotalAmount: rec.TotalAmount.StringFixed(2),
		Status:      string(rec.Status),
		FundBreakdown: fundBreakdownBody{
			ReleasedToLandlord: rec.Breakdown.ReleasedToLandlord.StringFixed(2),
			RefundedToTenant:   rec.Breakdown.RefundedToTenant.StringFixed(2),
			RemainingInEscrow:  rec.Breakdown.RemainingInEscrow.StringFixed(2),
		},
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

type claimViewBody struct {
	ID                  string     `json:"id"`
	DepositID           string     `json:"deposit_id"`
	Amount              string     `json:"amount"`
	Title               string     `json:"title"`
	Category            string     `json:"category"`
	Description         string     `json:"description"`
	Evidence            []string   `json:"evidence"`
	Status              string     `json:"status"`
	TenantResponse      *string    `json:"tenant_response,omitempty"`
	TenantCounterAmount *string    `json:"tenant_counter_amount,omitempty"`
	TenantExplanation   *string    `json:"tenant_explanation,omitempty"`
	TenantEvidence      []string   `json:"tenant_evidence,omitempty"`
	LandlordDecision    *string    `json:"landlord_decision,omitempty"`
	LandlordNotes       *string    `json:"landlord_notes,omitempty"`
	SettledAmount       *string    `json:"settled_amount,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func claimView(rec claim.Record) claimViewBody {
	body := claimViewBody{
		ID:             rec.ID,
		DepositID:      rec.DepositID,
		Amount:         rec.Amount.StringFixed(2),
		Title:          rec.Title,
		Category:       rec.Category,
		Description:    rec.Description,
		Evidence:       rec.Evidence,
		Status:         string(rec.Status),
		TenantEvidence: rec.TenantEvidence,
		Version:        rec.Version,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.TenantResponse != nil {
		s := string(*rec.TenantResponse)
		body.TenantResponse = &s
	}
	if rec.TenantCounterAmount != nil {
		s := rec.TenantCounterAmount.StringFixed(2)
		body.TenantCounterAmount = &s
	}
	body.TenantExplanation = rec.TenantExplanation
	if rec.LandlordDecision != nil {
		s := string(*rec.LandlordDecision)
		body.LandlordDecision = &s
	}
	body.LandlordNotes = rec.LandlordNotes
	if rec.SettledAmount != nil {
		s := rec.SettledAmount.StringFixed(2)
		body.SettledAmount = &s
	}
	return body
}
