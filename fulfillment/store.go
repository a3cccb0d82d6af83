package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the data access the dispatcher needs.
type Store interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
	UpsertContentAccess(ctx context.Context, grant ContentAccessGrant) error
	CreateServiceBooking(ctx context.Context, booking ServiceBooking) (ServiceBooking, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error
	InsertNotification(ctx context.Context, n Notification) error
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// GetProduct loads the dispatch-relevant columns of a product.
func (s *PGStore) GetProduct(ctx context.Context, productID string) (Product, error) {
	const selectSQL = `
		SELECT id::text, seller_id::text, title, product_type, COALESCE(delivery_type, ''), price::text,
		       membership_period, bundle_product_ids::text[], call_duration_minutes, thank_you_message
		FROM seller_products
		WHERE id = $1::uuid
	`

	var (
		p        Product
		price    string
		bundle   []string
		duration *int32
	)
	err := s.pool.QueryRow(ctx, selectSQL, productID).Scan(
		&p.ID,
		&p.SellerID,
		&p.Title,
		&p.Type,
		&p.DeliveryType,
		&price,
		&p.MembershipPeriod,
		&bundle,
		&duration,
		&p.ThankYouMessage,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, pgx.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == "22P02") {
			return Product{}, ErrProductNotFound
		}
		return Product{}, fmt.Errorf("fulfillment: get product: %w", err)
	}

	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return Product{}, fmt.Errorf("fulfillment: parse price %q: %w", price, err)
	}
	p.BundleProductIDs = bundle
	if duration != nil {
		d := int(*duration)
		p.CallDurationMinutes = &d
	}
	return p, nil
}

// UpsertContentAccess writes a grant, replacing the access type and expiry of
// an existing (buyer, product, order) row.
func (s *PGStore) UpsertContentAccess(ctx context.Context, grant ContentAccessGrant) error {
	const upsertSQL = `
		INSERT INTO buyer_content_access (buyer_id, order_id, product_id, access_type, expires_at, granted_at)
		VALUES ($1::uuid, $2::uuid, $3::uuid, $4, $5, $6)
		ON CONFLICT (buyer_id, product_id, order_id)
		DO UPDATE SET access_type = EXCLUDED.access_type, expires_at = EXCLUDED.expires_at
	`

	_, err := s.pool.Exec(ctx, upsertSQL,
		grant.BuyerID,
		grant.OrderID,
		grant.ProductID,
		grant.AccessType,
		grant.ExpiresAt,
		grant.GrantedAt,
	)
	if err != nil {
		if nf := missingReference(err); nf != nil {
			return nf
		}
		return fmt.Errorf("fulfillment: upsert content access: %w", err)
	}
	return nil
}

// CreateServiceBooking inserts a booking. A second call for the same
// (order, product) returns the existing row unchanged.
func (s *PGStore) CreateServiceBooking(ctx context.Context, b ServiceBooking) (ServiceBooking, error) {
	const insertSQL = `
		INSERT INTO service_bookings (id, order_id, buyer_id, seller_id, product_id, booking_type, status,
		                              duration_minutes, deposit_paid, created_at)
		VALUES ($1::uuid, $2::uuid, $3::uuid, $4::uuid, $5::uuid, $6, $7, $8, $9, $10)
		ON CONFLICT (order_id, product_id)
		DO UPDATE SET booking_type = service_bookings.booking_type
		RETURNING id::text, status, deposit_paid, created_at
	`

	var duration *int32
	if b.DurationMinutes != nil {
		d := int32(*b.DurationMinutes)
		duration = &d
	}

	out := b
	err := s.pool.QueryRow(ctx, insertSQL,
		b.ID,
		b.OrderID,
		b.BuyerID,
		b.SellerID,
		b.ProductID,
		b.BookingType,
		b.Status,
		duration,
		b.DepositPaid,
		b.CreatedAt,
	).Scan(&out.ID, &out.Status, &out.DepositPaid, &out.CreatedAt)
	if err != nil {
		if nf := missingReference(err); nf != nil {
			return ServiceBooking{}, nf
		}
		return ServiceBooking{}, fmt.Errorf("fulfillment: create service booking: %w", err)
	}
	return out, nil
}

// UpdateOrderStatus sets the order status unconditionally.
func (s *PGStore) UpdateOrderStatus(ctx context.Context, orderID string, status OrderStatus) error {
	const updateSQL = `
		UPDATE seller_orders
		SET status = $2, updated_at = now()
		WHERE id = $1::uuid
	`

	tag, err := s.pool.Exec(ctx, updateSQL, orderID, status)
	if err != nil {
		return fmt.Errorf("fulfillment: update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *PGStore) InsertNotification(ctx context.Context, n Notification) error {
	const insertSQL = `
		INSERT INTO notifications (id, user_id, type, title, message, order_id, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4, $5, NULLIF($6, '')::uuid, $7)
	`

	_, err := s.pool.Exec(ctx, insertSQL, n.ID, n.UserID, n.Type, n.Title, n.Message, n.OrderID, n.CreatedAt)
	if err != nil {
		if nf := missingReference(err); nf != nil {
			return nf
		}
		return fmt.Errorf("fulfillment: insert notification: %w", err)
	}
	return nil
}

// missingReference turns a foreign key violation into the not-found error
// for the row it points at. Constraint names follow the Postgres default
// <table>_<column>_fkey.
func missingReference(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23503" {
		return nil
	}
	if strings.Contains(pgErr.ConstraintName, "order_id") {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %s", ErrProductNotFound, pgErr.ConstraintName)
}

// GetOrder is used by the server and the integration tests to read back state.
func (s *PGStore) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const selectSQL = `
		SELECT id::text, buyer_id::text, seller_id::text, product_id::text, amount::text, status,
		       COALESCE(gateway_reference, ''), created_at
		FROM seller_orders
		WHERE id = $1::uuid
	`

	var (
		o      Order
		amount string
	)
	err := s.pool.QueryRow(ctx, selectSQL, orderID).Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &amount, &o.Status, &o.GatewayReference, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("fulfillment: get order: %w", err)
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return Order{}, fmt.Errorf("fulfillment: parse amount %q: %w", amount, err)
	}
	return o, nil
}
