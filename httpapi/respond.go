package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"leaseflow/agreement"
	"leaseflow/claim"
	"leaseflow/db"
	"leaseflow/escrow"
	"leaseflow/payment"
)

var errUnauthorized = errors.New("httpapi: missing or invalid bearer token")

type errorBody struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// errorKind maps core failures to a stable machine-readable kind plus an HTTP
// status. Retryable kinds are concurrent_modification and gateway_failure;
// everything else means the caller should re-fetch state.
func errorKind(err error) (string, int) {
	switch {
	case errors.Is(err, errUnauthorized):
		return "unauthorized", http.StatusUnauthorized
	case errors.Is(err, agreement.ErrNotFound),
		errors.Is(err, claim.ErrNotFound),
		errors.Is(err, escrow.ErrDepositNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, agreement.ErrForbidden), errors.Is(err, claim.ErrForbidden):
		return "forbidden", http.StatusForbidden
	case errors.Is(err, agreement.ErrWithdrawalNotAllowed):
		return "withdrawal_not_allowed", http.StatusForbidden
	case errors.Is(err, agreement.ErrAgreementExpired):
		return "agreement_expired", http.StatusGone
	case errors.Is(err, db.ErrConcurrentModification):
		return "concurrent_modification", http.StatusConflict
	case errors.Is(err, agreement.ErrInvalidTransition), errors.Is(err, claim.ErrInvalidTransition):
		return "invalid_transition", http.StatusConflict
	case errors.Is(err, payment.ErrGatewayFailure):
		return "gateway_failure", http.StatusPaymentRequired
	case errors.Is(err, escrow.ErrInsufficientEscrowBalance):
		return "insufficient_escrow_balance", http.StatusUnprocessableEntity
	case errors.Is(err, claim.ErrWindowClosed):
		return "inspection_window_closed", http.StatusUnprocessableEntity
	case errors.Is(err, claim.ErrInvalidCounterAmount):
		return "invalid_counter_amount", http.StatusUnprocessableEntity
	}
	return "internal", http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind, status := errorKind(err)
	body := errorBody{Kind: kind, Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
