package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the system is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_active_has_signatures_and_term",
			SQL: `SELECT id FROM rental_agreements
                  WHERE status = 'active'
                    AND (NOT landlord_signed OR NOT tenant_signed
                         OR start_date IS NULL OR end_date IS NULL
                         OR start_date IS DISTINCT FROM tenant_signed_at
                         OR end_date <= start_date)`,
		},
		{
			Name: "O2_tenant_signature_has_tenant",
			SQL:  `SELECT id FROM rental_agreements WHERE tenant_signed AND tenant_id IS NULL`,
		},
		{
			Name: "O3_terminated_is_final",
			SQL: `SELECT e.agreement_id FROM timeline_events e
                  WHERE e.type = 'AGREEMENT_STATUS_CHANGED'
                    AND e.payload->>'previous_status' = 'terminated'
                  UNION ALL
                  SELECT a.id FROM rental_agreements a
                  WHERE a.status <> 'terminated'
                    AND EXISTS (SELECT 1 FROM timeline_events e
                                WHERE e.agreement_id = a.id
                                  AND e.type = 'AGREEMENT_STATUS_CHANGED'
                                  AND e.payload->>'next_status' = 'terminated')`,
		},
		{
			Name: "O4_signatures_never_revert",
			SQL: `WITH sig AS (
                      SELECT agreement_id,
                             (payload->>'landlord_signed')::boolean AS landlord,
                             (payload->>'tenant_signed')::boolean AS tenant,
                             LAG((payload->>'landlord_signed')::boolean) OVER w AS prev_landlord,
                             LAG((payload->>'tenant_signed')::boolean) OVER w AS prev_tenant
                      FROM timeline_events
                      WHERE type = 'SIGNATURE_RECORDED'
                      WINDOW w AS (PARTITION BY agreement_id ORDER BY id))
                  SELECT agreement_id FROM sig
                  WHERE (prev_landlord AND NOT landlord) OR (prev_tenant AND NOT tenant)`,
		},
		{
			Name: "O5_property_follows_agreement",
			SQL: `SELECT a.id FROM rental_agreements a
                  JOIN properties p ON p.id = a.property_id
                  WHERE (a.status = 'active' AND p.status <> 'rented')
                     OR (a.status = 'terminated' AND p.status <> 'available')`,
		},
		{
			Name: "O6_paid_is_settled_and_final",
			SQL: `SELECT id FROM payments
                  WHERE (status = 'paid' AND (transaction_hash IS NULL OR paid_at IS NULL))
                     OR (status <> 'paid' AND transaction_hash IS NOT NULL)`,
		},
		{
			Name: "O7_payment_settled_once",
			SQL: `SELECT payload->>'payment_id', COUNT(*) FROM timeline_events
                  WHERE type = 'PAYMENT_SETTLED'
                  GROUP BY payload->>'payment_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_dispute_index_unique_and_resolution_complete",
			SQL: `SELECT agreement_id::text, dispute_index::text FROM disputes
                  WHERE dispute_index IS NOT NULL
                  GROUP BY agreement_id, dispute_index HAVING COUNT(*) > 1
                  UNION ALL
                  SELECT id::text, status FROM disputes
                  WHERE status = 'resolved' AND resolved_at IS NULL`,
		},
		{
			Name: "O9_processed_event_took_effect",
			SQL: `SELECT k.key FROM processed_ledger_events k
                  WHERE k.event_name = 'RentPaid'
                    AND NOT EXISTS (SELECT 1 FROM payments p
                                    WHERE p.agreement_id = k.agreement_id
                                      AND p.transaction_hash = split_part(k.key, ':', 1))`,
		},
		{
			Name: "O10_outbox_not_stale",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
