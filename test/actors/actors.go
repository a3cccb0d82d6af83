package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"marketflow/fulfillment"
)

// Granter replays grant requests for the given orders at random, the way a
// payment webhook retries. Store failures caused by chaos are tolerated;
// any other dispatch error stops the run.
func Granter(ctx context.Context, d *fulfillment.Dispatcher, reqs []fulfillment.GrantRequest, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := reqs[rand.Intn(len(reqs))]
		if _, err := d.GrantByID(ctx, req); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if fulfillment.KindOf(err) != fulfillment.KindStoreWriteFailed {
				return fmt.Errorf("grant order %s: %w", req.OrderID, err)
			}
		}
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// SellerWorker schedules pending bookings the way a seller working through
// their queue would, so replayed grants race with rows that have moved on.
func SellerWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `UPDATE service_bookings SET status = 'scheduled', scheduled_at = now() + interval '1 day'
                               WHERE id = (SELECT id FROM service_bookings WHERE status = 'pending'
                                           ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED)`)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// OrderReader polls order state through the store, which must never fail
// for a seeded order.
func OrderReader(ctx context.Context, store *fulfillment.PGStore, orderIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := orderIDs[rand.Intn(len(orderIDs))]
		if _, err := store.GetOrder(ctx, id); errors.Is(err, fulfillment.ErrOrderNotFound) {
			return fmt.Errorf("order reader: seeded order %s vanished", id)
		}
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}
