package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"leaseflow/agreement"
	"leaseflow/claim"
	"leaseflow/clock"
	"leaseflow/db"
	"leaseflow/escrow"
	"leaseflow/payment"
)

var testSecret = []byte("test-secret")

type fakeAgreements struct {
	rec     agreement.Record
	deposit escrow.Record
	err     error

	signedParty   agreement.Party
	signedActor   string
	signedVersion int64
	feeOutcome    payment.Outcome
}

func (f *fakeAgreements) Create(ctx context.Context, params agreement.CreateParams) (agreement.Record, error) {
	if f.err != nil {
		return agreement.Record{}, f.err
	}
	rec := f.rec
	rec.LandlordID = params.LandlordID
	rec.TenantID = params.TenantID
	rec.PropertyID = params.PropertyID
	rec.MonthlyRent = params.MonthlyRent
	return rec, nil
}

func (f *fakeAgreements) Get(ctx context.Context, id string) (agreement.Record, error) {
	if f.err != nil {
		return agreement.Record{}, f.err
	}
	return f.rec, nil
}

func (f *fakeAgreements) Sign(ctx context.Context, id string, party agreement.Party, actorID string, expectedVersion int64) (agreement.Record, error) {
	if f.err != nil {
		return agreement.Record{}, f.err
	}
	f.signedParty = party
	f.signedActor = actorID
	f.signedVersion = expectedVersion
	return f.rec, nil
}

func (f *fakeAgreements) WithdrawOffer(ctx context.Context, id, actorID, reason string, expectedVersion int64) (agreement.Record, error) {
	if f.err != nil {
		return agreement.Record{}, f.err
	}
	rec := f.rec
	rec.Status = agreement.StatusWithdrawn
	return rec, nil
}

func (f *fakeAgreements) WithdrawSignature(ctx context.Context, id, actorID, reason string, expectedVersion int64) (agreement.Record, error) {
	return f.WithdrawOffer(ctx, id, actorID, reason, expectedVersion)
}

func (f *fakeAgreements) RecordFeePayment(ctx context.Context, id, actorID string, outcome payment.Outcome, expectedVersion int64) (agreement.Record, error) {
	if f.err != nil {
		return agreement.Record{}, f.err
	}
	f.feeOutcome = outcome
	rec := f.rec
	rec.Status = agreement.StatusWebsiteFeePaid
	return rec, nil
}

func (f *fakeAgreements) Activate(ctx context.Context, id, actorID string, outcome payment.Outcome, expectedVersion int64) (agreement.Record, escrow.Record, error) {
	if f.err != nil {
		return agreement.Record{}, escrow.Record{}, f.err
	}
	rec := f.rec
	rec.Status = agreement.StatusActive
	return rec, f.deposit, nil
}

type fakeClaims struct {
	rec  claim.Record
	list []claim.Record
	err  error
}

func (f *fakeClaims) Submit(ctx context.Context, depositID, landlordID string, params claim.SubmitParams) (claim.Record, error) {
	if f.err != nil {
		return claim.Record{}, f.err
	}
	rec := f.rec
	rec.DepositID = depositID
	rec.Amount = params.Amount
	return rec, nil
}

func (f *fakeClaims) TenantRespond(ctx context.Context, claimID, tenantID string, params claim.RespondParams, expectedVersion int64) (claim.Record, error) {
	if f.err != nil {
		return claim.Record{}, f.err
	}
	return f.rec, nil
}

func (f *fakeClaims) LandlordRespondToDispute(ctx context.Context, claimID, landlordID string, decision claim.LandlordDecision, notes string, expectedVersion int64) (claim.Record, error) {
	if f.err != nil {
		return claim.Record{}, f.err
	}
	return f.rec, nil
}

func (f *fakeClaims) ListForDeposit(ctx context.Context, depositID, viewerID string) ([]claim.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

type fakeDeposits struct {
	rec escrow.Record
	err error
}

func (f *fakeDeposits) Get(ctx context.Context, depositID string) (escrow.Record, error) {
	if f.err != nil {
		return escrow.Record{}, f.err
	}
	return f.rec, nil
}

func testAgreement() agreement.Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(72 * time.Hour)
	return agreement.Record{
		ID:           "ag-1",
		LandlordID:   "ll-1",
		TenantID:     "tn-1",
		PropertyID:   "pr-1",
		MonthlyRent:  decimal.RequireFromString("2000.00"),
		AgreementFee: decimal.RequireFromString("100.00"),
		LeaseStart:   now,
		LeaseEnd:     now.AddDate(1, 0, 0),
		Status:       agreement.StatusPendingSignatures,
		ExpiresAt:    &expires,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newTestServer(t *testing.T, ag *fakeAgreements, cl *fakeClaims, dep *fakeDeposits, gw payment.Gateway) *httptest.Server {
	t.Helper()
	if gw == nil {
		gw = payment.NewMemoryGateway()
	}
	clk := clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := NewHandlers(ag, cl, dep, gw, clk, nil)
	srv := httptest.NewServer(NewRouter(h, testSecret))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, userID, role string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if userID != "" {
		token, err := MintPartyToken(testSecret, userID, role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, &fakeAgreements{rec: testAgreement()}, &fakeClaims{}, &fakeDeposits{}, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/agreements/ag-1/sign", "", "", map[string]any{"version": 1})
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// malformed token is rejected too
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/agreements/ag-1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, r2.StatusCode)
}

func TestGetAgreementCountdown(t *testing.T) {
	ag := &fakeAgreements{rec: testAgreement()}
	srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/agreements/ag-1", "tn-1", "tenant", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body agreementViewBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "pending_signatures", body.Status)
	require.Equal(t, 72, body.Countdown.Hours)
	require.True(t, body.CanWithdrawOffer)
	require.Equal(t, "2000.00", body.MonthlyRent)
}

func TestSignPassesIdentity(t *testing.T) {
	ag := &fakeAgreements{rec: testAgreement()}
	srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/agreements/ag-1/sign", "tn-1", "tenant", map[string]any{"version": 3})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, agreement.PartyTenant, ag.signedParty)
	require.Equal(t, "tn-1", ag.signedActor)
	require.Equal(t, int64(3), ag.signedVersion)
}

func TestCreateAgreementRequiresOwningLandlord(t *testing.T) {
	ag := &fakeAgreements{rec: testAgreement()}
	srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, nil)

	landlordID := uuid.NewString()
	body := map[string]any{
		"landlord_id":  landlordID,
		"tenant_id":    uuid.NewString(),
		"property_id":  uuid.NewString(),
		"monthly_rent": "2000.00",
		"lease_start":  "2026-04-01T00:00:00Z",
		"lease_end":    "2027-04-01T00:00:00Z",
	}

	resp := doJSON(t, http.MethodPost, srv.URL+"/agreements", uuid.NewString(), "landlord", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/agreements", landlordID, "landlord", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestCreateAgreementRejectsMalformedIDs(t *testing.T) {
	ag := &fakeAgreements{rec: testAgreement()}
	srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, nil)

	landlordID := uuid.NewString()
	for _, field := range []string{"landlord_id", "tenant_id", "property_id"} {
		body := map[string]any{
			"landlord_id":  landlordID,
			"tenant_id":    uuid.NewString(),
			"property_id":  uuid.NewString(),
			"monthly_rent": "2000.00",
			"lease_start":  "2026-04-01T00:00:00Z",
			"lease_end":    "2027-04-01T00:00:00Z",
		}
		body[field] = "not-a-uuid"

		caller := landlordID
		if field == "landlord_id" {
			caller = "not-a-uuid"
		}
		resp := doJSON(t, http.MethodPost, srv.URL+"/agreements", caller, "landlord", body)
		var errBody errorBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, field)
		require.Equal(t, "bad_request", errBody.Kind, field)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		kind   string
		status int
	}{
		{agreement.ErrNotFound, "not_found", http.StatusNotFound},
		{db.ErrConcurrentModification, "concurrent_modification", http.StatusConflict},
		{agreement.ErrInvalidTransition, "invalid_transition", http.StatusConflict},
		{agreement.ErrAgreementExpired, "agreement_expired", http.StatusGone},
		{agreement.ErrWithdrawalNotAllowed, "withdrawal_not_allowed", http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			ag := &fakeAgreements{err: fmt.Errorf("agreement: op: %w", tc.err)}
			srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, nil)

			resp := doJSON(t, http.MethodPost, srv.URL+"/agreements/ag-1/sign", "tn-1", "tenant", map[string]any{"version": 1})
			defer resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode)

			var body errorBody
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, tc.kind, body.Kind)
		})
	}
}

func TestFeePaymentGatewayFailure(t *testing.T) {
	ag := &fakeAgreements{rec: testAgreement()}
	gw := payment.NewMemoryGateway()
	gw.FailNext()
	srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, gw)

	resp := doJSON(t, http.MethodPost, srv.URL+"/agreements/ag-1/fee-payment", "tn-1", "tenant", map[string]any{"version": 1})
	defer resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	require.Zero(t, ag.feeOutcome.Reference, "core op must not run after a failed charge")
}

func TestFeePaymentChargesAgreementFee(t *testing.T) {
	ag := &fakeAgreements{rec: testAgreement()}
	gw := payment.NewMemoryGateway()
	srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, gw)

	resp := doJSON(t, http.MethodPost, srv.URL+"/agreements/ag-1/fee-payment", "tn-1", "tenant", map[string]any{"version": 1})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	charges := gw.Charges()
	require.Len(t, charges, 1)
	require.True(t, charges[0].Amount.Equal(decimal.RequireFromString("100.00")))
	require.Equal(t, "tn-1", charges[0].PayerRef)
	require.True(t, ag.feeOutcome.Succeeded())
}

func TestActivateChargesDepositTotal(t *testing.T) {
	rec := testAgreement()
	rec.Status = agreement.StatusWebsiteFeePaid
	deposit := escrow.Record{
		ID:          "dep-1",
		AgreementID: rec.ID,
		TotalAmount: decimal.RequireFromString("5000.00"),
		Status:      escrow.StatusHeldInEscrow,
		Breakdown: escrow.Breakdown{
			RemainingInEscrow: decimal.RequireFromString("5000.00"),
		},
		Version: 1,
	}
	ag := &fakeAgreements{rec: rec, deposit: deposit}
	gw := payment.NewMemoryGateway()
	srv := newTestServer(t, ag, &fakeClaims{}, &fakeDeposits{}, gw)

	resp := doJSON(t, http.MethodPost, srv.URL+"/agreements/ag-1/activate", "tn-1", "tenant", map[string]any{"version": 2})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	charges := gw.Charges()
	require.Len(t, charges, 1)
	require.True(t, charges[0].Amount.Equal(decimal.RequireFromString("5000.00")))

	var body struct {
		Agreement agreementViewBody `json:"agreement"`
		Deposit   depositViewBody   `json:"deposit"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "active", body.Agreement.Status)
	require.Equal(t, "5000.00", body.Deposit.TotalAmount)
	require.Equal(t, "5000.00", body.Deposit.FundBreakdown.RemainingInEscrow)
}

func TestSubmitClaim(t *testing.T) {
	cl := &fakeClaims{rec: claim.Record{
		ID:     "cm-1",
		Status: claim.StatusSubmitted,
	}}
	srv := newTestServer(t, &fakeAgreements{}, cl, &fakeDeposits{}, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/deposits/dep-1/claims", "ll-1", "landlord", map[string]any{
		"amount":      "150.00",
		"title":       "Broken window",
		"category":    "damage",
		"description": "Cracked pane in the kitchen",
		"evidence":    []string{"photo-1.jpg"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body claimViewBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "dep-1", body.DepositID)
	require.Equal(t, "150.00", body.Amount)
}

func TestGetDepositWithClaims(t *testing.T) {
	dep := &fakeDeposits{rec: escrow.Record{
		ID:          "dep-1",
		AgreementID: "ag-1",
		TotalAmount: decimal.RequireFromString("5000.00"),
		Status:      escrow.StatusDisputed,
		Breakdown: escrow.Breakdown{
			ReleasedToLandlord: decimal.RequireFromString("150.00"),
			RefundedToTenant:   decimal.Zero,
			RemainingInEscrow:  decimal.RequireFromString("4850.00"),
		},
	}}
	cl := &fakeClaims{list: []claim.Record{
		{ID: "cm-1", DepositID: "dep-1", Amount: decimal.RequireFromString("150.00"), Status: claim.StatusTenantNotified},
	}}
	srv := newTestServer(t, &fakeAgreements{}, cl, dep, nil)

	resp := doJSON(t, http.MethodGet, srv.URL+"/deposits/dep-1", "tn-1", "tenant", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Deposit depositViewBody `json:"deposit"`
		Claims  []claimViewBody `json:"claims"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "disputed", body.Deposit.Status)
	require.Equal(t, "4850.00", body.Deposit.FundBreakdown.RemainingInEscrow)
	require.Len(t, body.Claims, 1)
	require.Equal(t, "tenant_notified", body.Claims[0].Status)
}

func TestUnknownFieldsRejected(t *testing.T) {
	srv := newTestServer(t, &fakeAgreements{rec: testAgreement()}, &fakeClaims{}, &fakeDeposits{}, nil)

	resp := doJSON(t, http.MethodPost, srv.URL+"/agreements/ag-1/sign", "tn-1", "tenant", map[string]any{
		"version": 1,
		"extra":   true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
