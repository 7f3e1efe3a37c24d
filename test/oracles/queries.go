// Package oracles holds the SQL invariant checks the stress test runs
// against the shared database while actors compete. A row returned by any
// oracle is an invariant violation.
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
			// CHECK constraints enforce this too; the oracle catches it even
			// if a migration ever drops them.
			Name: "O1_balance_bounds",
			SQL: `SELECT id, 'credit' AS side FROM tax_credits
                  WHERE available_balance < 0 OR available_balance > face_value
                  UNION ALL
                  SELECT id, 'debt' FROM tax_debts
                  WHERE outstanding_balance < 0 OR outstanding_balance > principal + accrued`,
		},
		{
			// Everything spent from a credit must be accounted for by
			// settlement deltas. Settlements still executing (or mid
			// rollback) have not concluded yet, so their deltas count as
			// slack above the concluded floor rather than an exact total.
			Name: "O2_credit_conservation",
			SQL: `WITH concluded AS (
                      SELECT d->>'record_id' AS id, SUM((d->>'amount')::bigint) AS total
                      FROM settlements s, jsonb_array_elements(s.deltas) d
                      WHERE s.concluded_at IS NOT NULL AND NOT s.rolled_back
                        AND d->>'kind' = 'credit'
                      GROUP BY 1),
                  pending AS (
                      SELECT d->>'record_id' AS id, SUM((d->>'amount')::bigint) AS total
                      FROM settlements s, jsonb_array_elements(s.deltas) d
                      WHERE s.concluded_at IS NULL AND d->>'kind' = 'credit'
                      GROUP BY 1)
                  SELECT c.id, c.face_value - c.available_balance AS consumed,
                         COALESCE(con.total, 0) AS concluded_total, COALESCE(p.total, 0) AS pending_total
                  FROM tax_credits c
                  LEFT JOIN concluded con ON con.id = c.id
                  LEFT JOIN pending p ON p.id = c.id
                  WHERE c.face_value - c.available_balance < COALESCE(con.total, 0)
                     OR c.face_value - c.available_balance > COALESCE(con.total, 0) + COALESCE(p.total, 0)`,
		},
		{
			Name: "O3_debt_conservation",
			SQL: `WITH concluded AS (
                      SELECT d->>'record_id' AS id, SUM((d->>'amount')::bigint) AS total
                      FROM settlements s, jsonb_array_elements(s.deltas) d
                      WHERE s.concluded_at IS NOT NULL AND NOT s.rolled_back
                        AND d->>'kind' = 'debt'
                      GROUP BY 1),
                  pending AS (
                      SELECT d->>'record_id' AS id, SUM((d->>'amount')::bigint) AS total
                      FROM settlements s, jsonb_array_elements(s.deltas) d
                      WHERE s.concluded_at IS NULL AND d->>'kind' = 'debt'
                      GROUP BY 1)
                  SELECT t.id, t.principal + t.accrued - t.outstanding_balance AS settled,
                         COALESCE(con.total, 0) AS concluded_total, COALESCE(p.total, 0) AS pending_total
                  FROM tax_debts t
                  LEFT JOIN concluded con ON con.id = t.id
                  LEFT JOIN pending p ON p.id = t.id
                  WHERE t.principal + t.accrued - t.outstanding_balance < COALESCE(con.total, 0)
                     OR t.principal + t.accrued - t.outstanding_balance > COALESCE(con.total, 0) + COALESCE(p.total, 0)`,
		},
		{
			// A concluded settlement is immutable: it can never carry the
			// rolled-back flag or lose its external proof points.
			Name: "O4_settlement_immutable",
			SQL: `SELECT id FROM settlements
                  WHERE concluded_at IS NOT NULL
                    AND (rolled_back OR protocol_number IS NULL OR anchor_hash IS NULL)`,
		},
		{
			Name: "O5_status_balance_consistency",
			SQL: `SELECT id, 'credit' AS side FROM tax_credits
                  WHERE (status = 'consumed' AND available_balance <> 0)
                     OR (status = 'available' AND available_balance = 0 AND face_value > 0)
                  UNION ALL
                  SELECT id, 'debt' FROM tax_debts
                  WHERE (status = 'settled' AND outstanding_balance <> 0)
                     OR (status = 'outstanding' AND outstanding_balance = 0 AND principal + accrued > 0)`,
		},
		{
			// Event versions in the outbox must be strictly increasing per
			// key in append order.
			Name: "O6_outbox_version_monotonic",
			SQL: `WITH v AS (
                      SELECT id, payload->>'key' AS key,
                             (payload->>'version')::bigint AS version,
                             LAG((payload->>'version')::bigint)
                                 OVER (PARTITION BY payload->>'key' ORDER BY id) AS prev
                      FROM outbox
                      WHERE payload ? 'version')
                  SELECT * FROM v WHERE prev IS NOT NULL AND version <= prev`,
		},
		{
			// The store never persists reservations; a reserved status in the
			// database means a commit wrote an intermediate state.
			Name: "O7_no_persisted_reservations",
			SQL: `SELECT id, 'credit' AS side FROM tax_credits WHERE status = 'reserved'
                  UNION ALL
                  SELECT id, 'debt' FROM tax_debts WHERE status = 'reserved'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
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
