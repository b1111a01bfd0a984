package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"leaseflow/agreement"
	"leaseflow/claim"
	"leaseflow/config"
	"leaseflow/escrow"
	"leaseflow/payment"
	"leaseflow/test/actors"
	"leaseflow/test/chaos"
	"leaseflow/test/infra"
	"leaseflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent lifecycle actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("LEASEFLOW_TEST_PG_DSN") != "":
		dsn = os.Getenv("LEASEFLOW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	// short stage deadlines so the expiry sweeper always has prey
	cfg := config.LifecycleConfig{
		SignatureWindow: 3 * time.Second,
		FeeWindow:       3 * time.Second,
		DepositWindow:   3 * time.Second,
		FeeRate:         decimal.RequireFromString("0.05"),
	}
	ledger := escrow.NewLedger()
	agreements := agreement.NewService(pool, nil, cfg, ledger, nil)
	claims := claim.NewService(pool, nil, ledger, nil)
	gateway := payment.NewMemoryGateway()

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Creator(ctx2, agreements, seedData.landlordID, seedData.tenantID, uuid.NewString(), stop)
		})
		g.Go(func() error {
			return actors.Signer(ctx2, pool, agreements, seedData.landlordID, seedData.tenantID, stop)
		})
	}
	g.Go(func() error {
		return actors.Withdrawer(ctx2, pool, agreements, seedData.landlordID, seedData.tenantID, stop)
	})
	g.Go(func() error {
		return actors.Payer(ctx2, pool, agreements, gateway, seedData.tenantID, stop)
	})
	g.Go(func() error {
		return actors.Claimant(ctx2, claims, seedData.depositID, seedData.landlordID, stop)
	})
	g.Go(func() error {
		return actors.Responder(ctx2, pool, claims, seedData.depositID, seedData.tenantID, stop)
	})
	g.Go(func() error {
		return actors.Decider(ctx2, pool, claims, seedData.depositID, seedData.landlordID, stop)
	})
	g.Go(func() error {
		return actors.Mediator(ctx2, pool, claims, seedData.depositID, stop)
	})
	g.Go(func() error { return actors.Sweeper(ctx2, agreements, claims, stop) })
	g.Go(func() error { return actors.OutboxDrainer(ctx2, pool, claims, stop) })

	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	landlordID string
	tenantID   string
	depositID  string
}

// mustSeed creates one finished tenancy whose inspection window is open, so
// the claim actors have a live deposit to fight over from the first tick.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{
		landlordID: uuid.NewString(),
		tenantID:   uuid.NewString(),
	}

	var agreementID string
	if err := pool.QueryRow(ctx, `
        INSERT INTO tenancy_agreements
            (landlord_id, tenant_id, property_id, monthly_rent, security_deposit, agreement_fee,
             lease_start, lease_end, status, landlord_signed_at, tenant_signed_at)
        VALUES ($1, $2, $3, 2000, 4000, 100,
                now() - interval '1 year', now() - interval '1 day', 'active', now() - interval '1 year', now() - interval '1 year')
        RETURNING id`, s.landlordID, s.tenantID, uuid.NewString()).Scan(&agreementID); err != nil {
		t.Fatalf("seed agreement: %v", err)
	}

	if err := pool.QueryRow(ctx, `
        INSERT INTO deposits (agreement_id, total_amount, remaining_in_escrow)
        VALUES ($1, 5000, 5000)
        RETURNING id`, agreementID).Scan(&s.depositID); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"deposits", `SELECT id, status, total_amount, released_to_landlord, refunded_to_tenant, remaining_in_escrow, version FROM deposits ORDER BY updated_at DESC LIMIT 20`},
		{"deposit_claims", `SELECT id, deposit_id, status, amount, settled_amount, version FROM deposit_claims ORDER BY updated_at DESC LIMIT 50`},
		{"tenancy_agreements", `SELECT id, status, version, expires_at FROM tenancy_agreements ORDER BY updated_at DESC LIMIT 50`},
		{"timeline_events", `SELECT agreement_id, seq, type, created_at FROM timeline_events ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%v", buf)
		}
		rows.Close()
	}
}
