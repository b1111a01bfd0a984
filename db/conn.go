package db

import (
	"context"
	"errors"
	"fmt"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConcurrentModification signals an optimistic-lock conflict: the aggregate
// version the caller read no longer matches the stored one. The caller should
// re-fetch the record and retry.
var ErrConcurrentModification = errors.New("db: concurrent modification")

// NewPool constructs a pgx connection pool using the provided connection
// string. Every connection registers the shopspring decimal codec so NUMERIC
// money columns scan into decimal.Decimal without floating-point drift.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("db: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}
