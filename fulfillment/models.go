package fulfillment

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType is the closed set of sellable product kinds.
type ProductType string

const (
	TypeDigitalProduct ProductType = "digital_product"
	TypeEbook          ProductType = "ebook"
	TypeTemplate       ProductType = "template"
	TypeGraphics       ProductType = "graphics"
	TypeAudio          ProductType = "audio"
	TypeVideo          ProductType = "video"
	TypeSoftware       ProductType = "software"
	TypeCourse         ProductType = "course"
	TypeMembership     ProductType = "membership"
	TypeBundle         ProductType = "bundle"
	TypeCall           ProductType = "call"
	TypeCommission     ProductType = "commission"
	TypeService        ProductType = "service"
	TypeCoffee         ProductType = "coffee"
)

// IsDownload reports whether the type is delivered as an instant download.
func (t ProductType) IsDownload() bool {
	switch t {
	case TypeDigitalProduct, TypeEbook, TypeTemplate, TypeGraphics, TypeAudio, TypeVideo, TypeSoftware:
		return true
	default:
		return false
	}
}

// AccessType classifies a content access grant.
type AccessType string

const (
	AccessDownload   AccessType = "download"
	AccessCourse     AccessType = "course"
	AccessMembership AccessType = "membership"
)

// OrderStatus is the lifecycle state of a seller order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderDelivered OrderStatus = "delivered"
)

// BookingType is the kind of manual fulfillment a booking represents.
type BookingType string

const (
	BookingCall       BookingType = "call"
	BookingCommission BookingType = "commission"
	BookingService    BookingType = "service"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingScheduled BookingStatus = "scheduled"
	BookingDelivered BookingStatus = "delivered"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Membership periods understood by MembershipExpiry.
const (
	PeriodMonthly  = "monthly"
	PeriodYearly   = "yearly"
	PeriodLifetime = "lifetime"
)

const (
	// DefaultCallDurationMinutes applies when a call product has no duration.
	DefaultCallDurationMinutes = 30
	// DefaultThankYouMessage applies when a coffee product has no message.
	DefaultThankYouMessage = "Thank you for your support! ☕"
)

// Order mirrors a seller_orders row. The order pipeline owns it; the
// dispatcher only writes Status.
type Order struct {
	ID               string
	BuyerID          string
	SellerID         string
	ProductID        string
	Amount           decimal.Decimal
	Status           OrderStatus
	GatewayReference string
	CreatedAt        time.Time
}

// Product mirrors the seller_products columns the dispatcher reads.
type Product struct {
	ID                  string
	SellerID            string
	Title               string
	Type                ProductType
	DeliveryType        string
	Price               decimal.Decimal
	MembershipPeriod    *string
	BundleProductIDs    []string
	CallDurationMinutes *int
	ThankYouMessage     *string
}

// ContentAccessGrant entitles a buyer to consume a product. Unique per
// (buyer, product, order).
type ContentAccessGrant struct {
	BuyerID    string
	OrderID    string
	ProductID  string
	AccessType AccessType
	ExpiresAt  *time.Time
	GrantedAt  time.Time
}

// ServiceBooking is a pending manual fulfillment obligation.
type ServiceBooking struct {
	ID              string
	OrderID         string
	BuyerID         string
	SellerID        string
	ProductID       string
	BookingType     BookingType
	Status          BookingStatus
	DurationMinutes *int
	DepositPaid     bool
	CreatedAt       time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	OrderID   string
	CreatedAt time.Time
}

// GrantRequest is the dispatcher input, also the grant endpoint body.
type GrantRequest struct {
	OrderID   string `json:"order_id" validate:"required,uuid"`
	BuyerID   string `json:"buyer_id" validate:"required,uuid"`
	ProductID string `json:"product_id" validate:"required"`
	SellerID  string `json:"seller_id" validate:"required,uuid"`
}

// GrantResult describes what a dispatch did. OrderStatus is empty when the
// order was left untouched.
type GrantResult struct {
	Success            bool          `json:"success"`
	ProductID          string        `json:"product_id,omitempty"`
	AccessType         string        `json:"access_type"`
	OrderStatus        OrderStatus   `json:"order_status,omitempty"`
	ExpiresAt          *time.Time    `json:"expires_at,omitempty"`
	BookingID          string        `json:"booking_id,omitempty"`
	RequiresScheduling bool          `json:"requires_scheduling,omitempty"`
	BundleItems        []GrantResult `json:"bundle_items,omitempty"`
	SkippedProducts    []string      `json:"skipped_products,omitempty"`
	Message            string        `json:"message,omitempty"`
}

// GrantedEvent is published after a successful top-level dispatch.
type GrantedEvent struct {
	OrderID     string      `json:"order_id"`
	BuyerID     string      `json:"buyer_id"`
	SellerID    string      `json:"seller_id"`
	ProductID   string      `json:"product_id"`
	ProductType ProductType `json:"product_type"`
	AccessType  string      `json:"access_type"`
	OrderStatus OrderStatus `json:"order_status,omitempty"`
	GrantedAt   time.Time   `json:"granted_at"`
}
