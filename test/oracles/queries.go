// Package oracles holds SQL predicates over the consent schema that must
// never return rows, no matter how the concurrent workload interleaves.
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

// Each query selects VIOLATING rows, so an empty result set means the
// invariant holds.
var Oracles = []Oracle{
	{
		Name: "no_self_pairing",
		SQL:  `SELECT id FROM consents WHERE partner_id = initiator_id LIMIT 5`,
	},
	{
		Name: "pair_code_cleared_on_claim",
		SQL:  `SELECT id FROM consents WHERE pair_code IS NOT NULL AND partner_id IS NOT NULL LIMIT 5`,
	},
	{
		Name: "active_requires_dual_confirmation",
		SQL: `SELECT id FROM consents
		      WHERE status = 'ACTIVE'
		        AND NOT (initiator_confirmed AND partner_confirmed AND partner_id IS NOT NULL)
		      LIMIT 5`,
	},
	{
		Name: "active_is_anchored",
		SQL: `SELECT id FROM consents
		      WHERE status = 'ACTIVE' AND (ledger_id IS NULL OR confirmed_at IS NULL)
		      LIMIT 5`,
	},
	{
		Name: "revocation_keeps_anchor",
		SQL: `SELECT id FROM consents
		      WHERE status = 'REVOKED' AND confirmed_at IS NOT NULL AND ledger_id IS NULL
		      LIMIT 5`,
	},
	{
		Name: "pending_never_anchored",
		SQL:  `SELECT id FROM consents WHERE status = 'PENDING' AND ledger_id IS NOT NULL LIMIT 5`,
	},
	{
		Name: "no_duplicate_live_pair_code",
		SQL: `SELECT pair_code FROM consents
		      WHERE pair_code IS NOT NULL
		      GROUP BY pair_code HAVING count(*) > 1
		      LIMIT 5`,
	},
	{
		Name: "every_consent_has_created_event",
		SQL: `SELECT c.id FROM consents c
		      LEFT JOIN consent_events e ON e.consent_id = c.id AND e.type = 'CONSENT_CREATED'
		      WHERE e.id IS NULL
		      LIMIT 5`,
	},
	{
		Name: "active_has_activation_event",
		SQL: `SELECT c.id FROM consents c
		      LEFT JOIN consent_events e ON e.consent_id = c.id AND e.type = 'CONSENT_ACTIVATED'
		      WHERE c.status = 'ACTIVE' AND e.id IS NULL
		      LIMIT 5`,
	},
}

// Run evaluates every oracle and returns the name and a sample violating row
// of the first one that fails. An empty name with a nil error means all
// oracles passed; a non-nil error means the check itself could not run.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range Oracles {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return "", "", fmt.Errorf("oracle %s query: %w", o.Name, err)
		}

		var sample string
		violated := false
		if rows.Next() {
			violated = true
			if vals, err := rows.Values(); err == nil {
				sample = fmt.Sprintf("%v", vals)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return "", "", fmt.Errorf("oracle %s rows: %w", o.Name, err)
		}

		if violated {
			return o.Name, sample, nil
		}
	}
	return "", "", nil
}
