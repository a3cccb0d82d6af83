//go:build integration

package fulfillment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"marketflow/fulfillment"
	"marketflow/test/infra"
)

func newPGStore(t *testing.T) (*fulfillment.PGStore, *infra.Harness) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := infra.NewHarness(ctx, "")
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return fulfillment.NewStore(h.Pool()), h
}

func seedOrder(t *testing.T, ctx context.Context, h *infra.Harness, productType string) (productID, orderID, buyerID, sellerID string) {
	t.Helper()
	sellerID, buyerID = uuid.NewString(), uuid.NewString()
	if err := h.Pool().QueryRow(ctx, `INSERT INTO seller_products (seller_id, title, product_type, price, call_duration_minutes)
        VALUES ($1, 'Item', $2, 19.99, 45) RETURNING id::text`, sellerID, productType).Scan(&productID); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if err := h.Pool().QueryRow(ctx, `INSERT INTO seller_orders (buyer_id, seller_id, product_id, amount)
        VALUES ($1, $2, $3, 19.99) RETURNING id::text`, buyerID, sellerID, productID).Scan(&orderID); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return productID, orderID, buyerID, sellerID
}

func TestPGStore_GetProduct(t *testing.T) {
	store, h := newPGStore(t)
	ctx := context.Background()
	productID, _, _, _ := seedOrder(t, ctx, h, "call")

	p, err := store.GetProduct(ctx, productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.Type != fulfillment.TypeCall || p.Price.String() != "19.99" {
		t.Fatalf("unexpected product %+v", p)
	}
	if p.CallDurationMinutes == nil || *p.CallDurationMinutes != 45 {
		t.Fatalf("duration = %v", p.CallDurationMinutes)
	}

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		if _, err := store.GetProduct(ctx, id); !errors.Is(err, fulfillment.ErrProductNotFound) {
			t.Fatalf("GetProduct(%q) err = %v, want ErrProductNotFound", id, err)
		}
	}
}

func TestPGStore_BookingUpsertKeepsFirstRow(t *testing.T) {
	store, h := newPGStore(t)
	ctx := context.Background()
	productID, orderID, buyerID, sellerID := seedOrder(t, ctx, h, "call")

	duration := 45
	b := fulfillment.ServiceBooking{
		ID:              uuid.NewString(),
		OrderID:         orderID,
		BuyerID:         buyerID,
		SellerID:        sellerID,
		ProductID:       productID,
		BookingType:     fulfillment.BookingCall,
		Status:          fulfillment.BookingPending,
		DurationMinutes: &duration,
		CreatedAt:       time.Now().UTC(),
	}
	first, err := store.CreateServiceBooking(ctx, b)
	if err != nil {
		t.Fatalf("first booking: %v", err)
	}
	if _, err := h.Pool().Exec(ctx, `UPDATE service_bookings SET status = 'scheduled' WHERE id = $1::uuid`, first.ID); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	b.ID = uuid.NewString()
	second, err := store.CreateServiceBooking(ctx, b)
	if err != nil {
		t.Fatalf("second booking: %v", err)
	}
	if second.ID != first.ID || second.Status != fulfillment.BookingScheduled {
		t.Fatalf("repeat booking = %+v, want existing %s scheduled", second, first.ID)
	}
}

func TestPGStore_DispatchDownloadTwice(t *testing.T) {
	store, h := newPGStore(t)
	ctx := context.Background()
	productID, orderID, buyerID, sellerID := seedOrder(t, ctx, h, "ebook")

	d := fulfillment.NewDispatcher(store, nil)
	req := fulfillment.GrantRequest{OrderID: orderID, BuyerID: buyerID, ProductID: productID, SellerID: sellerID}
	for i := 0; i < 2; i++ {
		if _, err := d.GrantByID(ctx, req); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}

	var grants int
	if err := h.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM buyer_content_access WHERE order_id = $1::uuid`, orderID).Scan(&grants); err != nil {
		t.Fatalf("count grants: %v", err)
	}
	if grants != 1 {
		t.Fatalf("grants = %d, want 1", grants)
	}
	o, err := store.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != fulfillment.OrderCompleted {
		t.Fatalf("order status = %s", o.Status)
	}
}

func TestPGStore_UpdateMissingOrder(t *testing.T) {
	store, _ := newPGStore(t)
	err := store.UpdateOrderStatus(context.Background(), uuid.NewString(), fulfillment.OrderCompleted)
	if !errors.Is(err, fulfillment.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestPGStore_WritesForUnknownOrder(t *testing.T) {
	store, h := newPGStore(t)
	ctx := context.Background()
	productID, _, buyerID, sellerID := seedOrder(t, ctx, h, "call")
	missing := uuid.NewString()

	err := store.UpsertContentAccess(ctx, fulfillment.ContentAccessGrant{
		BuyerID:    buyerID,
		OrderID:    missing,
		ProductID:  productID,
		AccessType: fulfillment.AccessDownload,
		GrantedAt:  time.Now().UTC(),
	})
	if !errors.Is(err, fulfillment.ErrOrderNotFound) {
		t.Fatalf("upsert err = %v, want ErrOrderNotFound", err)
	}

	_, err = store.CreateServiceBooking(ctx, fulfillment.ServiceBooking{
		ID:          uuid.NewString(),
		OrderID:     missing,
		BuyerID:     buyerID,
		SellerID:    sellerID,
		ProductID:   productID,
		BookingType: fulfillment.BookingCall,
		Status:      fulfillment.BookingPending,
		CreatedAt:   time.Now().UTC(),
	})
	if !errors.Is(err, fulfillment.ErrOrderNotFound) {
		t.Fatalf("booking err = %v, want ErrOrderNotFound", err)
	}

	err = store.InsertNotification(ctx, fulfillment.Notification{
		ID:        uuid.NewString(),
		UserID:    buyerID,
		Type:      "purchase",
		Title:     "t",
		Message:   "m",
		OrderID:   missing,
		CreatedAt: time.Now().UTC(),
	})
	if !errors.Is(err, fulfillment.ErrOrderNotFound) {
		t.Fatalf("notification err = %v, want ErrOrderNotFound", err)
	}
}

func TestPGStore_DispatchUnknownOrderIsNotFound(t *testing.T) {
	store, h := newPGStore(t)
	ctx := context.Background()
	productID, _, buyerID, sellerID := seedOrder(t, ctx, h, "ebook")

	d := fulfillment.NewDispatcher(store, nil)
	req := fulfillment.GrantRequest{OrderID: uuid.NewString(), BuyerID: buyerID, ProductID: productID, SellerID: sellerID}
	_, err := d.GrantByID(ctx, req)
	if kind := fulfillment.KindOf(err); kind != fulfillment.KindNotFound {
		t.Fatalf("kind = %q (err %v), want not_found", kind, err)
	}
}
