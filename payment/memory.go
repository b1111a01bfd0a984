package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryGateway is a deterministic in-process Gateway used in tests and local
// runs where no real provider is configured. Charges succeed unless a failure
// has been queued.
type MemoryGateway struct {
	mu       sync.Mutex
	seq      int64
	failNext bool
	charges  []Charge
}

// Charge records a single ChargeOrAuthorize invocation.
type Charge struct {
	Amount   decimal.Decimal
	PayerRef string
	At       time.Time
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{}
}

// FailNext makes the next charge attempt report a gateway failure.
func (g *MemoryGateway) FailNext() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = true
}

// Charges returns a copy of every recorded charge.
func (g *MemoryGateway) Charges() []Charge {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Charge, len(g.charges))
	copy(out, g.charges)
	return out
}

func (g *MemoryGateway) ChargeOrAuthorize(ctx context.Context, amount decimal.Decimal, payerRef string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{Status: OutcomeFailed}, fmt.Errorf("payment: charge cancelled: %w", ErrGatewayFailure)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failNext {
		g.failNext = false
		return Outcome{Status: OutcomeFailed}, ErrGatewayFailure
	}

	g.seq++
	g.charges = append(g.charges, Charge{Amount: amount, PayerRef: payerRef, At: time.Now().UTC()})
	return Outcome{
		Status:    OutcomeSucceeded,
		Reference: fmt.Sprintf("mem-%d", g.seq),
	}, nil
}
