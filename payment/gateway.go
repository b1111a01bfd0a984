package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrGatewayFailure signals the payment step failed or timed out. It is
// retryable by the caller; the lifecycle transition that depends on it never
// commits without a successful outcome.
var ErrGatewayFailure = errors.New("payment: gateway failure")

// OutcomeStatus is the gateway's verdict on a charge attempt.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is what the core needs back from the gateway: a verdict and a
// provider reference for traceability.
type Outcome struct {
	Status    OutcomeStatus
	Reference string
}

func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded && o.Reference != ""
}

// Gateway abstracts the external payment provider. ChargeOrAuthorize is the
// only capability the core depends on; it may block on the external system and
// must be called outside any database transaction.
type Gateway interface {
	ChargeOrAuthorize(ctx context.Context, amount decimal.Decimal, payerRef string) (Outcome, error)
}
