package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marketflow/logging"
	"marketflow/metrics"
)

// EventPublisher receives a GrantedEvent after each successful top-level
// dispatch. Publish errors are logged, never returned to the caller.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// Dispatcher maps a purchased product's type to its fulfillment action.
type Dispatcher struct {
	store       Store
	events      EventPublisher
	idGenerator func() string
	now         func() time.Time
	log         zerolog.Logger
}

// NewDispatcher builds a dispatcher. events may be nil.
func NewDispatcher(store Store, events EventPublisher) *Dispatcher {
	return &Dispatcher{
		store:       store,
		events:      events,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		log:         logging.Component("fulfillment"),
	}
}

func (d *Dispatcher) WithIDGenerator(gen func() string) *Dispatcher {
	d.idGenerator = gen
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// GrantByID loads the product named in req and dispatches it.
func (d *Dispatcher) GrantByID(ctx context.Context, req GrantRequest) (GrantResult, error) {
	product, err := d.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		return GrantResult{}, storeError("get product", req.ProductID, err)
	}
	return d.Grant(ctx, req, product)
}

// Grant fulfills one purchase. Writes are upserts, so repeating a grant for
// the same order leaves the same rows behind. Bundles expand every member
// once; a member seen again is skipped. A failure part way through a bundle
// keeps the members already written.
func (d *Dispatcher) Grant(ctx context.Context, req GrantRequest, product Product) (GrantResult, error) {
	if req.OrderID == "" || req.BuyerID == "" {
		return GrantResult{}, &Error{Kind: KindInvalidProductConfig, Op: "grant", ProductID: product.ID,
			Err: fmt.Errorf("order and buyer ids are required")}
	}
	if product.ID == "" {
		product.ID = req.ProductID
	}

	visited := map[string]bool{product.ID: true}
	result, err := d.dispatch(ctx, req, product, visited)
	metrics.RecordGrant(string(product.Type), err)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).
			Str("order_id", req.OrderID).
			Str("product_id", product.ID).
			Str("product_type", string(product.Type)).
			Msg("grant failed")
		return GrantResult{}, err
	}

	d.publish(ctx, req, product, result)
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req GrantRequest, product Product, visited map[string]bool) (GrantResult, error) {
	now := d.now()
	result := GrantResult{Success: true, ProductID: product.ID}

	switch {
	case product.Type.IsDownload():
		if err := d.grantContent(ctx, req, product.ID, AccessDownload, nil, now); err != nil {
			return GrantResult{}, err
		}
		result.AccessType = string(AccessDownload)

	case product.Type == TypeCourse:
		if err := d.grantContent(ctx, req, product.ID, AccessCourse, nil, now); err != nil {
			return GrantResult{}, err
		}
		result.AccessType = string(AccessCourse)

	case product.Type == TypeMembership:
		expiry := MembershipExpiry(product.MembershipPeriod, now)
		if err := d.grantContent(ctx, req, product.ID, AccessMembership, expiry, now); err != nil {
			return GrantResult{}, err
		}
		result.AccessType = string(AccessMembership)
		result.ExpiresAt = expiry

	case product.Type == TypeBundle:
		return d.dispatchBundle(ctx, req, product, visited)

	case product.Type == TypeCall:
		duration := DefaultCallDurationMinutes
		if product.CallDurationMinutes != nil && *product.CallDurationMinutes > 0 {
			duration = *product.CallDurationMinutes
		}
		booking, err := d.book(ctx, req, product.ID, BookingCall, &duration, false, now)
		if err != nil {
			return GrantResult{}, err
		}
		result.AccessType = string(BookingCall)
		result.BookingID = booking.ID
		result.RequiresScheduling = true
		result.Message = "Call booked. The seller will confirm a time."
		return result, nil

	case product.Type == TypeCommission:
		booking, err := d.book(ctx, req, product.ID, BookingCommission, nil, true, now)
		if err != nil {
			return GrantResult{}, err
		}
		result.AccessType = string(BookingCommission)
		result.BookingID = booking.ID
		result.Message = "Commission started. The seller will deliver when ready."
		return result, nil

	case product.Type == TypeService:
		booking, err := d.book(ctx, req, product.ID, BookingService, nil, false, now)
		if err != nil {
			return GrantResult{}, err
		}
		result.AccessType = string(BookingService)
		result.BookingID = booking.ID
		result.Message = "Service booked. The seller will be in touch."
		return result, nil

	case product.Type == TypeCoffee:
		if err := d.completeOrder(ctx, req.OrderID, product.ID); err != nil {
			return GrantResult{}, err
		}
		message := DefaultThankYouMessage
		if product.ThankYouMessage != nil && *product.ThankYouMessage != "" {
			message = *product.ThankYouMessage
		}
		n := Notification{
			ID:        d.idGenerator(),
			UserID:    req.BuyerID,
			Type:      "coffee_thank_you",
			Title:     "Thank you!",
			Message:   message,
			OrderID:   req.OrderID,
			CreatedAt: now,
		}
		if err := d.store.InsertNotification(ctx, n); err != nil {
			return GrantResult{}, storeError("insert notification", product.ID, err)
		}
		result.AccessType = string(TypeCoffee)
		result.OrderStatus = OrderCompleted
		result.Message = message
		return result, nil

	default:
		d.log.Warn().
			Str("order_id", req.OrderID).
			Str("product_id", product.ID).
			Str("product_type", string(product.Type)).
			Msg("unrecognized product type, leaving order for manual fulfillment")
		result.AccessType = "manual"
		result.Message = "This product is fulfilled manually by the seller."
		return result, nil
	}

	if err := d.completeOrder(ctx, req.OrderID, product.ID); err != nil {
		return GrantResult{}, err
	}
	result.OrderStatus = OrderCompleted
	return result, nil
}

func (d *Dispatcher) dispatchBundle(ctx context.Context, req GrantRequest, bundle Product, visited map[string]bool) (GrantResult, error) {
	if len(bundle.BundleProductIDs) == 0 {
		return GrantResult{}, &Error{Kind: KindInvalidProductConfig, Op: "expand bundle", ProductID: bundle.ID,
			Err: fmt.Errorf("bundle has no member products")}
	}

	result := GrantResult{Success: true, ProductID: bundle.ID, AccessType: string(TypeBundle)}
	for _, memberID := range bundle.BundleProductIDs {
		if visited[memberID] {
			d.log.Warn().
				Str("order_id", req.OrderID).
				Str("bundle_id", bundle.ID).
				Str("product_id", memberID).
				Msg("bundle member already expanded, skipping")
			metrics.BundleSkips.Inc()
			result.SkippedProducts = append(result.SkippedProducts, memberID)
			continue
		}
		visited[memberID] = true

		member, err := d.store.GetProduct(ctx, memberID)
		if err != nil {
			return GrantResult{}, storeError("get bundle member", memberID, err)
		}
		if member.ID == "" {
			member.ID = memberID
		}

		memberReq := req
		memberReq.ProductID = memberID
		item, err := d.dispatch(ctx, memberReq, member, visited)
		if err != nil {
			return GrantResult{}, err
		}
		result.SkippedProducts = append(result.SkippedProducts, item.SkippedProducts...)
		item.SkippedProducts = nil
		result.BundleItems = append(result.BundleItems, item)
	}

	// The outer order completes even when members are still awaiting manual
	// fulfillment through their bookings.
	if err := d.completeOrder(ctx, req.OrderID, bundle.ID); err != nil {
		return GrantResult{}, err
	}
	result.OrderStatus = OrderCompleted
	return result, nil
}

func (d *Dispatcher) grantContent(ctx context.Context, req GrantRequest, productID string, access AccessType, expiresAt *time.Time, now time.Time) error {
	grant := ContentAccessGrant{
		BuyerID:    req.BuyerID,
		OrderID:    req.OrderID,
		ProductID:  productID,
		AccessType: access,
		ExpiresAt:  expiresAt,
		GrantedAt:  now,
	}
	if err := d.store.UpsertContentAccess(ctx, grant); err != nil {
		return storeError("upsert content access", productID, err)
	}
	return nil
}

func (d *Dispatcher) book(ctx context.Context, req GrantRequest, productID string, kind BookingType, duration *int, depositPaid bool, now time.Time) (ServiceBooking, error) {
	booking, err := d.store.CreateServiceBooking(ctx, ServiceBooking{
		ID:              d.idGenerator(),
		OrderID:         req.OrderID,
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		ProductID:       productID,
		BookingType:     kind,
		Status:          BookingPending,
		DurationMinutes: duration,
		DepositPaid:     depositPaid,
		CreatedAt:       now,
	})
	if err != nil {
		return ServiceBooking{}, storeError("create service booking", productID, err)
	}
	metrics.BookingsCreated.WithLabelValues(string(kind)).Inc()
	return booking, nil
}

func (d *Dispatcher) completeOrder(ctx context.Context, orderID, productID string) error {
	if err := d.store.UpdateOrderStatus(ctx, orderID, OrderCompleted); err != nil {
		return storeError("update order status", productID, err)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, req GrantRequest, product Product, result GrantResult) {
	if d.events == nil {
		return
	}
	evt := GrantedEvent{
		OrderID:     req.OrderID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		ProductID:   product.ID,
		ProductType: product.Type,
		AccessType:  result.AccessType,
		OrderStatus: result.OrderStatus,
		GrantedAt:   d.now(),
	}
	if err := d.events.Publish(ctx, req.OrderID, evt); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("order_id", req.OrderID).Msg("publish grant event failed")
	}
}
