package agreement

import "errors"

// Status is the single source of truth for an agreement's lifecycle position.
// Exactly one status holds at any time; withdrawn/expired/active/cancelled are
// never independent flags.
type Status string

const (
	StatusPendingSignatures Status = "pending_signatures"
	StatusPendingPayment    Status = "pending_payment"
	StatusWebsiteFeePaid    Status = "website_fee_paid"
	StatusActive            Status = "active"
	StatusWithdrawn         Status = "withdrawn"
	StatusExpired           Status = "expired"
	StatusCancelled         Status = "cancelled"
)

var (
	// ErrInvalidTransition is returned when an operation is not legal from
	// the agreement's current status.
	ErrInvalidTransition = errors.New("agreement: invalid transition")
	// ErrWithdrawalNotAllowed is returned when withdrawal is attempted after
	// the other party already committed.
	ErrWithdrawalNotAllowed = errors.New("agreement: withdrawal not allowed")
	// ErrAgreementExpired is returned when an action is attempted past the
	// stage deadline.
	ErrAgreementExpired = errors.New("agreement: expired")
	// ErrNotFound is returned when no agreement row exists for the id.
	ErrNotFound = errors.New("agreement: not found")
	// ErrForbidden is returned when the acting party does not belong to the
	// agreement.
	ErrForbidden = errors.New("agreement: forbidden")
)

var transitions = map[Status][]Status{
	StatusPendingSignatures: {StatusPendingPayment, StatusWithdrawn, StatusExpired, StatusCancelled},
	StatusPendingPayment:    {StatusWebsiteFeePaid, StatusWithdrawn, StatusExpired, StatusCancelled},
	StatusWebsiteFeePaid:    {StatusActive, StatusWithdrawn, StatusExpired, StatusCancelled},
}

// CanTransition reports whether the edge from -> to exists in the lifecycle
// graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle transitions exist. Active is
// terminal for the lifecycle manager: tenancy and escrow take over from there.
func (s Status) Terminal() bool {
	switch s {
	case StatusActive, StatusWithdrawn, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Signable reports whether signatures may still be recorded.
func (s Status) Signable() bool {
	return s == StatusPendingSignatures
}
