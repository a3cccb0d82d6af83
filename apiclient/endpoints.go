package apiclient

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// SellerDashboard is the seller-dashboard aggregation.
type SellerDashboard struct {
	StoreID         string          `json:"store_id"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	TotalOrders     int             `json:"total_orders"`
	PendingOrders   int             `json:"pending_orders"`
	ProductCount    int             `json:"product_count"`
	PendingBookings int             `json:"pending_bookings"`
	RecentOrders    []OrderSummary  `json:"recent_orders"`
}

// BuyerDashboard is the buyer-dashboard and wallet aggregation.
type BuyerDashboard struct {
	WalletBalance decimal.Decimal  `json:"wallet_balance"`
	Currency      string           `json:"currency"`
	Purchases     []PurchaseItem   `json:"purchases"`
	Bookings      []BookingSummary `json:"bookings"`
}

type OrderSummary struct {
	ID          string          `json:"id"`
	ProductName string          `json:"product_name"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

type PurchaseItem struct {
	ProductID   string     `json:"product_id"`
	ProductName string     `json:"product_name"`
	AccessType  string     `json:"access_type"`
	GrantedAt   time.Time  `json:"granted_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type BookingSummary struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	BookingType string `json:"booking_type"`
	Status      string `json:"status"`
}

// Both dashboard functions answer {"data": ...}.
var (
	SellerDashboardEndpoint = Endpoint[SellerDashboard]{Name: "seller-dashboard", Method: http.MethodGet, Shape: ShapeWrapped}
	BuyerDashboardEndpoint  = Endpoint[BuyerDashboard]{Name: "buyer-dashboard", Method: http.MethodGet, Shape: ShapeWrapped}
)

func (c *Client) SellerDashboard(ctx context.Context) (SellerDashboard, error) {
	return Fetch(ctx, c, SellerDashboardEndpoint, nil)
}

func (c *Client) BuyerDashboard(ctx context.Context) (BuyerDashboard, error) {
	return Fetch(ctx, c, BuyerDashboardEndpoint, nil)
}
