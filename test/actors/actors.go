// Package actors hosts the concurrent workloads for the stress harness. Each
// actor loops until stopped, driving the real services against a shared
// database so row locks, version guards, and sweeps genuinely race.
package actors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"leaseflow/agreement"
	"leaseflow/claim"
	"leaseflow/db"
	"leaseflow/escrow"
	"leaseflow/notify"
	"leaseflow/payment"
)

// tolerable reports whether an error is an expected loss under contention or
// chaos rather than a harness failure.
func tolerable(err error) bool {
	if err == nil {
		return true
	}
	// connections killed by the chaos actor
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "57") {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "conn closed") || strings.Contains(msg, "unexpected EOF") || strings.Contains(msg, "connection reset") {
		return true
	}
	return errors.Is(err, db.ErrConcurrentModification) ||
		errors.Is(err, agreement.ErrInvalidTransition) ||
		errors.Is(err, agreement.ErrWithdrawalNotAllowed) ||
		errors.Is(err, agreement.ErrAgreementExpired) ||
		errors.Is(err, agreement.ErrNotFound) ||
		errors.Is(err, claim.ErrInvalidTransition) ||
		errors.Is(err, claim.ErrWindowClosed) ||
		errors.Is(err, claim.ErrNotFound) ||
		errors.Is(err, escrow.ErrInsufficientEscrowBalance) ||
		errors.Is(err, escrow.ErrDepositClosed) ||
		errors.Is(err, payment.ErrGatewayFailure) ||
		errors.Is(err, pgx.ErrNoRows)
}

func sleep(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Creator keeps opening fresh agreements between the same landlord and tenant
// so the signer, withdrawer, and expiry sweeper always have rows to fight
// over.
func Creator(ctx context.Context, svc *agreement.Service, landlordID, tenantID, propertyID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rent := decimal.NewFromInt(int64(800 + rand.Intn(2400)))
		start := time.Now().Add(24 * time.Hour)
		_, err := svc.Create(ctx, agreement.CreateParams{
			LandlordID:  landlordID,
			TenantID:    tenantID,
			PropertyID:  propertyID,
			MonthlyRent: rent,
			LeaseStart:  start,
			LeaseEnd:    start.AddDate(1, 0, 0),
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("creator: %w", err)
		}
		sleep(20, 40)
	}
}

// Signer picks any agreement still collecting signatures and signs for a
// random party with the version it read, so stale-version rejections happen
// naturally when two signers race.
func Signer(ctx context.Context, pool *pgxpool.Pool, svc *agreement.Service, landlordID, tenantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			id      string
			version int64
		)
		err := pool.QueryRow(ctx, `
            SELECT id, version FROM tenancy_agreements
            WHERE status='pending_signatures' AND landlord_id=$1
            ORDER BY random() LIMIT 1`, landlordID).Scan(&id, &version)
		if err == nil {
			party := agreement.PartyLandlord
			actor := landlordID
			if rand.Intn(2) == 0 {
				party = agreement.PartyTenant
				actor = tenantID
			}
			if _, err := svc.Sign(ctx, id, party, actor, version); err != nil && !tolerable(err) {
				return fmt.Errorf("signer: %w", err)
			}
		} else if !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("signer pick: %w", err)
		}
		sleep(15, 35)
	}
}

// Withdrawer races the signer by withdrawing offers and signatures from
// agreements still collecting signatures.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, svc *agreement.Service, landlordID, tenantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			id      string
			version int64
		)
		err := pool.QueryRow(ctx, `
            SELECT id, version FROM tenancy_agreements
            WHERE status='pending_signatures' AND landlord_id=$1
            ORDER BY random() LIMIT 1`, landlordID).Scan(&id, &version)
		if err == nil {
			if rand.Intn(2) == 0 {
				_, err = svc.WithdrawOffer(ctx, id, landlordID, "stress withdrawal", version)
			} else {
				_, err = svc.WithdrawSignature(ctx, id, tenantID, "stress withdrawal", version)
			}
			if err != nil && !tolerable(err) {
				return fmt.Errorf("withdrawer: %w", err)
			}
		} else if !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("withdrawer pick: %w", err)
		}
		sleep(60, 80)
	}
}

// Payer pushes signed agreements through the two payment stages, with the
// occasional queued gateway failure to prove failed charges never advance
// state.
func Payer(ctx context.Context, pool *pgxpool.Pool, svc *agreement.Service, gateway *payment.MemoryGateway, tenantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			id      string
			version int64
			status  string
		)
		err := pool.QueryRow(ctx, `
            SELECT id, version, status::text FROM tenancy_agreements
            WHERE status IN ('pending_payment','website_fee_paid') AND tenant_id=$1
            ORDER BY random() LIMIT 1`, tenantID).Scan(&id, &version, &status)
		if err == nil {
			if rand.Intn(8) == 0 {
				gateway.FailNext()
			}
			if err := payStage(ctx, svc, gateway, id, tenantID, agreement.Status(status), version); err != nil && !tolerable(err) {
				return fmt.Errorf("payer: %w", err)
			}
		} else if !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("payer pick: %w", err)
		}
		sleep(25, 50)
	}
}

func payStage(ctx context.Context, svc *agreement.Service, gateway *payment.MemoryGateway, id, tenantID string, status agreement.Status, version int64) error {
	rec, err := svc.Get(ctx, id)
	if err != nil {
		return err
	}
	switch status {
	case agreement.StatusPendingPayment:
		outcome, err := gateway.ChargeOrAuthorize(ctx, rec.AgreementFee, tenantID)
		if err != nil {
			return err
		}
		_, err = svc.RecordFeePayment(ctx, id, tenantID, outcome, version)
		return err
	case agreement.StatusWebsiteFeePaid:
		outcome, err := gateway.ChargeOrAuthorize(ctx, rec.DepositTotal(), tenantID)
		if err != nil {
			return err
		}
		_, _, err = svc.Activate(ctx, id, tenantID, outcome, version)
		return err
	}
	return nil
}

// Claimant files deduction claims against the seeded deposit. The escrow cap
// pushes back once open claims cover the remaining funds.
func Claimant(ctx context.Context, svc *claim.Service, depositID, landlordID string, stop <-chan struct{}) error {
	categories := []string{"damage", "cleaning", "unpaid_rent"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := decimal.NewFromInt(int64(50 + rand.Intn(400)))
		_, err := svc.Submit(ctx, depositID, landlordID, claim.SubmitParams{
			Amount:      amount,
			Title:       fmt.Sprintf("stress claim %d", rand.Int63()),
			Category:    categories[rand.Intn(len(categories))],
			Description: "generated by the stress harness",
		})
		if err != nil && !tolerable(err) {
			return fmt.Errorf("claimant: %w", err)
		}
		sleep(80, 120)
	}
}

// Responder answers notified claims as the tenant: accept, counter, or
// reject, each with the version it read.
func Responder(ctx context.Context, pool *pgxpool.Pool, svc *claim.Service, depositID, tenantID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			id      string
			version int64
			amount  decimal.Decimal
		)
		err := pool.QueryRow(ctx, `
            SELECT id, version, amount FROM deposit_claims
            WHERE deposit_id=$1 AND status='tenant_notified'
            ORDER BY random() LIMIT 1`, depositID).Scan(&id, &version, &amount)
		if err == nil {
			params := claim.RespondParams{Explanation: "stress response"}
			switch rand.Intn(3) {
			case 0:
				params.Response = claim.ResponseAccept
			case 1:
				params.Response = claim.ResponsePartialAccept
				counter := amount.Div(decimal.NewFromInt(2)).Round(2)
				params.CounterAmount = &counter
			default:
				params.Response = claim.ResponseReject
			}
			if _, err := svc.TenantRespond(ctx, id, tenantID, params, version); err != nil && !tolerable(err) && !errors.Is(err, claim.ErrInvalidCounterAmount) {
				return fmt.Errorf("responder: %w", err)
			}
		} else if !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("responder pick: %w", err)
		}
		sleep(60, 90)
	}
}

// Decider settles disputes as the landlord, accepting counters or escalating.
func Decider(ctx context.Context, pool *pgxpool.Pool, svc *claim.Service, depositID, landlordID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			id      string
			version int64
		)
		err := pool.QueryRow(ctx, `
            SELECT id, version FROM deposit_claims
            WHERE deposit_id=$1 AND status='disputed'
            ORDER BY random() LIMIT 1`, depositID).Scan(&id, &version)
		if err == nil {
			decision := claim.DecisionAcceptCounter
			if rand.Intn(3) == 0 {
				decision = claim.DecisionEscalate
			}
			if _, err := svc.LandlordRespondToDispute(ctx, id, landlordID, decision, "stress decision", version); err != nil && !tolerable(err) {
				return fmt.Errorf("decider: %w", err)
			}
		} else if !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("decider pick: %w", err)
		}
		sleep(90, 120)
	}
}

// Mediator resolves escalated claims with a random award up to the claimed
// amount.
func Mediator(ctx context.Context, pool *pgxpool.Pool, svc *claim.Service, depositID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			id     string
			amount decimal.Decimal
		)
		err := pool.QueryRow(ctx, `
            SELECT id, amount FROM deposit_claims
            WHERE deposit_id=$1 AND status='escalated'
            ORDER BY random() LIMIT 1`, depositID).Scan(&id, &amount)
		if err == nil {
			award := amount.Mul(decimal.NewFromFloat(rand.Float64())).Round(2)
			if _, err := svc.RecordMediationOutcome(ctx, id, award); err != nil && !tolerable(err) {
				return fmt.Errorf("mediator: %w", err)
			}
		} else if !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("mediator pick: %w", err)
		}
		sleep(150, 150)
	}
}

// Sweeper runs both periodic sweeps back to back, racing user actions on the
// same rows.
func Sweeper(ctx context.Context, agreements *agreement.Service, claims *claim.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := agreements.SweepExpiry(ctx); !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("sweeper expiry: %w", err)
		}
		if _, err := claims.SweepInspectionClose(ctx); !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("sweeper inspection: %w", err)
		}
		sleep(100, 100)
	}
}

// flakyDispatcher fails a fraction of publishes to exercise outbox retries
// and dead-lettering.
type flakyDispatcher struct{}

func (flakyDispatcher) Emit(ctx context.Context, ev notify.Event) error {
	if rand.Intn(10) == 0 {
		return fmt.Errorf("injected publish failure for %s", ev.Topic)
	}
	return nil
}

// OutboxDrainer runs the production outbox worker with a flaky dispatcher.
// Successful claim.submitted publishes advance claims to tenant_notified, the
// same wiring the API process uses.
func OutboxDrainer(ctx context.Context, pool *pgxpool.Pool, claims *claim.Service, stop <-chan struct{}) error {
	worker := notify.NewWorker(pool, flakyDispatcher{}, nil, 20, 5)
	worker.OnPublished = func(ctx context.Context, topic string, payload []byte) error {
		if topic != "claim.submitted" {
			return nil
		}
		id := jsonField(payload, "claim_id")
		if id == "" {
			return nil
		}
		_, err := claims.MarkTenantNotified(ctx, id)
		if err != nil && tolerable(err) {
			return nil
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := worker.DrainOnce(ctx); !tolerable(err) && ctx.Err() == nil {
			return fmt.Errorf("outbox drainer: %w", err)
		}
		sleep(100, 100)
	}
}

func jsonField(payload []byte, key string) string {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
