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

// All returns the invariant checks. Each query returns rows only when the
// invariant is broken.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_grant_per_order_product",
			SQL: `SELECT buyer_id, product_id, order_id, COUNT(*) FROM buyer_content_access
                  GROUP BY buyer_id, product_id, order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_single_booking_per_order_product",
			SQL: `SELECT order_id, product_id, COUNT(*) FROM service_bookings
                  GROUP BY order_id, product_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_booking_orders_stay_open",
			SQL: `SELECT o.id, p.product_type, o.status FROM seller_orders o
                  JOIN seller_products p ON p.id = o.product_id
                  WHERE p.product_type IN ('call','commission','service') AND o.status = 'completed'`,
		},
		{
			Name: "O4_membership_expiry_matches_period",
			SQL: `SELECT a.id, p.membership_period, a.expires_at FROM buyer_content_access a
                  JOIN seller_products p ON p.id = a.product_id
                  WHERE a.access_type = 'membership'
                    AND ((p.membership_period IN ('monthly','yearly')) <> (a.expires_at IS NOT NULL))`,
		},
		{
			Name: "O5_download_never_expires",
			SQL:  `SELECT id FROM buyer_content_access WHERE access_type IN ('download','course') AND expires_at IS NOT NULL`,
		},
		{
			Name: "O6_commission_deposit_paid",
			SQL:  `SELECT id FROM service_bookings WHERE booking_type = 'commission' AND deposit_paid = false`,
		},
		{
			Name: "O7_call_has_duration",
			SQL:  `SELECT id FROM service_bookings WHERE booking_type = 'call' AND (duration_minutes IS NULL OR duration_minutes <= 0)`,
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
	}
	return "", "", nil
}
