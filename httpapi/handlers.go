package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"leaseflow/agreement"
	"leaseflow/claim"
	"leaseflow/clock"
	"leaseflow/escrow"
	"leaseflow/payment"
)

// AgreementService is the slice of the lifecycle manager the transport needs.
type AgreementService interface {
	Create(ctx context.Context, params agreement.CreateParams) (agreement.Record, error)
	Get(ctx context.Context, id string) (agreement.Record, error)
	Sign(ctx context.Context, id string, party agreement.Party, actorID string, expectedVersion int64) (agreement.Record, error)
	WithdrawOffer(ctx context.Context, id, actorID, reason string, expectedVersion int64) (agreement.Record, error)
	WithdrawSignature(ctx context.Context, id, actorID, reason string, expectedVersion int64) (agreement.Record, error)
	RecordFeePayment(ctx context.Context, id, actorID string, outcome payment.Outcome, expectedVersion int64) (agreement.Record, error)
	Activate(ctx context.Context, id, actorID string, outcome payment.Outcome, expectedVersion int64) (agreement.Record, escrow.Record, error)
}

// ClaimService is the slice of the claim engine the transport needs.
type ClaimService interface {
	Submit(ctx context.Context, depositID, landlordID string, params claim.SubmitParams) (claim.Record, error)
	TenantRespond(ctx context.Context, claimID, tenantID string, params claim.RespondParams, expectedVersion int64) (claim.Record, error)
	LandlordRespondToDispute(ctx context.Context, claimID, landlordID string, decision claim.LandlordDecision, notes string, expectedVersion int64) (claim.Record, error)
	ListForDeposit(ctx context.Context, depositID, viewerID string) ([]claim.Record, error)
}

// DepositGetter fetches deposit records for reads.
type DepositGetter interface {
	Get(ctx context.Context, depositID string) (escrow.Record, error)
}

// Handlers binds the core services to the HTTP surface.
type Handlers struct {
	agreements AgreementService
	claims     ClaimService
	deposits   DepositGetter
	gateway    payment.Gateway
	clock      clock.Clock
	log        *zap.Logger
}

func NewHandlers(agreements AgreementService, claims ClaimService, deposits DepositGetter, gateway payment.Gateway, clk clock.Clock, log *zap.Logger) *Handlers {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{agreements: agreements, claims: claims, deposits: deposits, gateway: gateway, clock: clk, log: log}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	if _, status := errorKind(err); status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, r, err)
}

type createAgreementRequest struct {
	LandlordID  string `json:"landlord_id"`
	TenantID    string `json:"tenant_id"`
	PropertyID  string `json:"property_id"`
	MonthlyRent string `json:"monthly_rent"`
	LeaseStart  string `json:"lease_start"`
	LeaseEnd    string `json:"lease_end"`
}

func (h *Handlers) createAgreement(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}

	var req createAgreementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}
	if ident.Role != string(agreement.PartyLandlord) || ident.UserID != req.LandlordID {
		h.fail(w, r, agreement.ErrForbidden)
		return
	}

	for field, id := range map[string]string{
		"landlord_id": req.LandlordID,
		"tenant_id":   req.TenantID,
		"property_id": req.PropertyID,
	} {
		if _, err := uuid.Parse(id); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: "invalid " + field})
			return
		}
	}

	rent, err := decimal.NewFromString(req.MonthlyRent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: "invalid monthly_rent"})
		return
	}
	start, err := time.Parse(time.RFC3339, req.LeaseStart)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: "invalid lease_start"})
		return
	}
	end, err := time.Parse(time.RFC3339, req.LeaseEnd)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: "invalid lease_end"})
		return
	}

	rec, err := h.agreements.Create(r.Context(), agreement.CreateParams{
		LandlordID:  req.LandlordID,
		TenantID:    req.TenantID,
		PropertyID:  req.PropertyID,
		MonthlyRent: rent,
		LeaseStart:  start,
		LeaseEnd:    end,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.agreementView(rec))
}

func (h *Handlers) getAgreement(w http.ResponseWriter, r *http.Request) {
	rec, err := h.agreements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agreementView(rec))
}

type signRequest struct {
	Version int64 `json:"version"`
}

func (h *Handlers) signAgreement(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}
	var req signRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}

	rec, err := h.agreements.Sign(r.Context(), chi.URLParam(r, "id"), agreement.Party(ident.Role), ident.UserID, req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agreementView(rec))
}

type withdrawRequest struct {
	Reason  string `json:"reason"`
	Version int64  `json:"version"`
}

func (h *Handlers) withdrawAgreement(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}

	id := chi.URLParam(r, "id")
	var (
		rec agreement.Record
		err error
	)
	switch ident.Role {
	case string(agreement.PartyLandlord):
		rec, err = h.agreements.WithdrawOffer(r.Context(), id, ident.UserID, req.Reason, req.Version)
	case string(agreement.PartyTenant):
		rec, err = h.agreements.WithdrawSignature(r.Context(), id, ident.UserID, req.Reason, req.Version)
	default:
		err = agreement.ErrForbidden
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agreementView(rec))
}

type paymentRequest struct {
	Version int64 `json:"version"`
}

func (h *Handlers) payFee(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.agreements.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	outcome, err := h.charge(r.Context(), rec.AgreementFee, ident.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rec, err = h.agreements.RecordFeePayment(r.Context(), id, ident.UserID, outcome, req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.agreementView(rec))
}

func (h *Handlers) activateAgreement(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := h.agreements.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	outcome, err := h.charge(r.Context(), rec.DepositTotal(), ident.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rec, dep, err := h.agreements.Activate(r.Context(), id, ident.UserID, outcome, req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agreement": h.agreementView(rec),
		"deposit":   depositView(dep),
	})
}

// charge runs the gateway call outside any transaction. A failed or timed-out
// charge surfaces as a retryable gateway failure and leaves state untouched.
func (h *Handlers) charge(ctx context.Context, amount decimal.Decimal, payerRef string) (payment.Outcome, error) {
	outcome, err := h.gateway.ChargeOrAuthorize(ctx, amount, payerRef)
	if err != nil {
		if errors.Is(err, payment.ErrGatewayFailure) {
			return payment.Outcome{}, err
		}
		return payment.Outcome{}, fmt.Errorf("httpapi: charge: %v: %w", err, payment.ErrGatewayFailure)
	}
	return outcome, nil
}

func (h *Handlers) getDeposit(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}

	id := chi.URLParam(r, "id")
	dep, err := h.deposits.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	claims, err := h.claims.ListForDeposit(r.Context(), id, ident.UserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	views := make([]claimViewBody, 0, len(claims))
	for _, c := range claims {
		views = append(views, claimView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deposit": depositView(dep),
		"claims":  views,
	})
}

type submitClaimRequest struct {
	Amount      string   `json:"amount"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Evidence    []string `json:"evidence"`
}

func (h *Handlers) submitClaim(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}
	var req submitClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: "invalid amount"})
		return
	}

	rec, err := h.claims.Submit(r.Context(), chi.URLParam(r, "id"), ident.UserID, claim.SubmitParams{
		Amount:      amount,
		Title:       req.Title,
		Category:    req.Category,
		Description: req.Description,
		Evidence:    req.Evidence,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, claimView(rec))
}

type tenantRespondRequest struct {
	Response      string   `json:"response"`
	CounterAmount *string  `json:"counter_amount"`
	Explanation   string   `json:"explanation"`
	Evidence      []string `json:"evidence"`
	Version       int64    `json:"version"`
}

func (h *Handlers) respondToClaim(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}
	var req tenantRespondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}

	params := claim.RespondParams{
		Response:    claim.TenantResponse(req.Response),
		Explanation: req.Explanation,
		Evidence:    req.Evidence,
	}
	if req.CounterAmount != nil {
		counter, err := decimal.NewFromString(*req.CounterAmount)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: "invalid counter_amount"})
			return
		}
		params.CounterAmount = &counter
	}

	rec, err := h.claims.TenantRespond(r.Context(), chi.URLParam(r, "id"), ident.UserID, params, req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimView(rec))
}

type disputeRespondRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
	Version  int64  `json:"version"`
}

func (h *Handlers) respondToDispute(w http.ResponseWriter, r *http.Request) {
	ident, ok := identityFrom(r.Context())
	if !ok {
		h.fail(w, r, errUnauthorized)
		return
	}
	var req disputeRespondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Error: err.Error()})
		return
	}

	rec, err := h.claims.LandlordRespondToDispute(r.Context(), chi.URLParam(r, "id"), ident.UserID, claim.LandlordDecision(req.Decision), req.Notes, req.Version)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimView(rec))
}
