package escrow

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Reader serves untransacted deposit lookups for the read side of the API.
type Reader struct {
	pool   *pgxpool.Pool
	ledger *Ledger
}

func NewReader(pool *pgxpool.Pool, ledger *Ledger) *Reader {
	return &Reader{pool: pool, ledger: ledger}
}

func (r *Reader) Get(ctx context.Context, depositID string) (Record, error) {
	return r.ledger.Get(ctx, r.pool, depositID)
}

func (r *Reader) GetByAgreement(ctx context.Context, agreementID string) (Record, error) {
	return r.ledger.GetByAgreement(ctx, r.pool, agreementID)
}
