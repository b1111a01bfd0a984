// Package oracles holds the invariant checks the stress harness runs between
// actor ticks. Every query returns rows only when an invariant is violated.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_fund_breakdown_sums_to_total",
			SQL: `SELECT id FROM deposits
                  WHERE released_to_landlord + refunded_to_tenant + remaining_in_escrow <> total_amount`,
		},
		{
			Name: "O2_no_negative_buckets",
			SQL: `SELECT id FROM deposits
                  WHERE released_to_landlord < 0 OR refunded_to_tenant < 0 OR remaining_in_escrow < 0`,
		},
		{
			Name: "O3_deposit_status_matches_funds",
			SQL: `SELECT id FROM deposits
                  WHERE (status = 'fully_released' AND remaining_in_escrow <> 0)
                     OR (status <> 'fully_released' AND remaining_in_escrow = 0)`,
		},
		{
			Name: "O4_open_claims_never_exceed_escrow",
			SQL: `SELECT d.id FROM deposits d
                  JOIN deposit_claims c ON c.deposit_id = d.id
                  WHERE c.status IN ('submitted','tenant_notified','disputed','escalated')
                  GROUP BY d.id, d.remaining_in_escrow
                  HAVING SUM(c.amount) > d.remaining_in_escrow`,
		},
		{
			Name: "O5_settled_claims_carry_amounts",
			SQL: `SELECT id FROM deposit_claims
                  WHERE (status = 'accepted' AND (settled_amount IS NULL OR settled_amount > amount))
                     OR (status <> 'accepted' AND settled_amount IS NOT NULL)`,
		},
		{
			Name: "O6_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_versions_start_at_one",
			SQL: `SELECT 'agreement' AS src, id FROM tenancy_agreements WHERE version < 1
                  UNION ALL
                  SELECT 'deposit', id FROM deposits WHERE version < 1
                  UNION ALL
                  SELECT 'claim', id FROM deposit_claims WHERE version < 1`,
		},
		{
			Name: "O8_active_agreements_fully_signed",
			SQL: `SELECT id FROM tenancy_agreements
                  WHERE status IN ('pending_payment','website_fee_paid','active')
                    AND (landlord_signed_at IS NULL OR tenant_signed_at IS NULL)`,
		},
		{
			Name: "O9_active_agreements_have_deposits",
			SQL: `SELECT a.id FROM tenancy_agreements a
                  LEFT JOIN deposits d ON d.agreement_id = a.id
                  WHERE a.status = 'active' AND d.id IS NULL`,
		},
		{
			Name: "O10_outbox_terminal_or_pending",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('pending','processed','dead')
                     OR (status = 'dead' AND attempts < 1)`,
		},
	}
}

// Run executes all oracles and returns the first failing oracle's name plus a
// sample row, or an empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
