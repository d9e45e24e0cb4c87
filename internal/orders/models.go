package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID         string
	Name       string
	PriceCents int64
	Stock      int
	Sizes      []string
	Active     bool
}

type Variation struct {
	ID         string
	ProductID  string
	Name       string
	PriceCents *int64 // nil -> harga produk
	Stock      int
	SizeStock  map[string]int
	Sizes      []string
	Active     bool
}

// CartLine comes straight from the client. Only Checked lines are priced.
type CartLine struct {
	ProductID   string `json:"product_id"`
	VariationID string `json:"variation_id,omitempty"`
	Size        string `json:"size,omitempty"`
	Qty         int    `json:"qty"`
	Checked     bool   `json:"checked"`
}

type LineItem struct {
	ProductID      string `json:"product_id"`
	VariationID    string `json:"variation_id,omitempty"`
	Size           string `json:"size,omitempty"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Qty            int    `json:"qty"`
}

func (li LineItem) SubtotalCents() int64 { return li.UnitPriceCents * int64(li.Qty) }

type TargetKind string

const (
	TargetProduct   TargetKind = "product"
	TargetVariation TargetKind = "variation"
	TargetSize      TargetKind = "size"
)

// StockTarget names exactly one stock counter: products.stock,
// product_variations.stock or variation_sizes.quantity.
type StockTarget struct {
	Kind        TargetKind `json:"kind"`
	ProductID   string     `json:"product_id"`
	VariationID string     `json:"variation_id,omitempty"`
	Size        string     `json:"size,omitempty"`
}

func (t StockTarget) Key() string {
	switch t.Kind {
	case TargetSize:
		return "size:" + t.VariationID + ":" + t.Size
	case TargetVariation:
		return "variation:" + t.VariationID
	default:
		return "product:" + t.ProductID
	}
}

type Decrement struct {
	Target StockTarget `json:"target"`
	Qty    int         `json:"qty"`
}

type CouponType string

const (
	CouponPercentage CouponType = "percentage"
	CouponFixed      CouponType = "fixed"
)

type Coupon struct {
	Code       string
	Type       CouponType
	Value      decimal.Decimal
	ExpiresAt  time.Time
	Active     bool
	UsageLimit *int // nil = unlimited
}

type AppliedCoupon struct {
	Code          string          `json:"code"`
	Type          CouponType      `json:"type"`
	Value         decimal.Decimal `json:"value"`
	DiscountCents int64           `json:"discount_cents"`
}

type ShippingType string

const (
	ShippingPickup  ShippingType = "pickup"
	ShippingCourier ShippingType = "courier"
	ShippingCarrier ShippingType = "carrier"
)

type Shipping struct {
	Type          ShippingType `json:"type"`
	ServiceName   string       `json:"service_name"`
	PriceCents    int64        `json:"price_cents"`
	PickupAddress string       `json:"pickup_address,omitempty"`
	Contact       string       `json:"contact,omitempty"`
	PostalCode    string       `json:"postal_code,omitempty"`
	ServiceCode   string       `json:"service_code,omitempty"`
	TransitDays   *int         `json:"transit_days,omitempty"`
	Carrier       string       `json:"carrier,omitempty"`
}

type Address struct {
	Recipient  string `json:"recipient,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street,omitempty"`
	Number     string `json:"number,omitempty"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// Quote is the immutable result of pricing a cart. Grand total is always
// Subtotal - Discount + Shipping and never negative.
type Quote struct {
	Items           []LineItem     `json:"items"`
	Plan            []Decrement    `json:"-"`
	SubtotalCents   int64          `json:"subtotal_cents"`
	Coupon          *AppliedCoupon `json:"coupon,omitempty"`
	DiscountCents   int64          `json:"discount_cents"`
	Shipping        Shipping       `json:"shipping"`
	GrandTotalCents int64          `json:"grand_total_cents"`
}

type PendingOrder struct {
	ID            string
	UserID        string
	Items         []LineItem
	Plan          []Decrement
	SubtotalCents int64
	DiscountCents int64
	TotalCents    int64
	Address       Address
	Shipping      Shipping
	Coupon        *AppliedCoupon
	ChargeID      string
	QRPayload     string
	PaymentStatus PaymentStatus
	ExpiresAt     time.Time
	OrderID       string     // terisi setelah materialisasi
	ConsumedAt    *time.Time // terisi setelah materialisasi
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// State is the reconciliation view of the row.
func (p PendingOrder) State() ReconcileState {
	switch {
	case p.OrderID != "":
		return StateMaterialized
	case p.PaymentStatus == PaymentPaid:
		return StatePaid
	case p.PaymentStatus == PaymentExpired:
		return StateExpired
	case p.PaymentStatus == PaymentFailed:
		return StateFailed
	default:
		return StatePending
	}
}

// DeadlinePassed reports whether an unpaid charge can no longer be honoured.
func (p PendingOrder) DeadlinePassed(now time.Time) bool {
	return p.PaymentStatus == PaymentPending && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

type PaymentRecord struct {
	ChargeID string        `json:"charge_id"`
	Method   string        `json:"method"`
	Status   PaymentStatus `json:"status"`
	PaidAt   *time.Time    `json:"paid_at,omitempty"`
}

// Shortfall records a decrement whose guard failed at materialization time:
// stock that passed checkout validation was consumed by a concurrent order.
type Shortfall struct {
	Target    StockTarget `json:"target"`
	Requested int         `json:"requested"`
	Available int         `json:"available"`
}

type Order struct {
	ID               string
	UserID           string
	PendingID        string
	Items            []LineItem
	TotalCents       int64
	Address          Address
	Shipping         Shipping
	Coupon           *AppliedCoupon
	Status           Status
	DeliveryEstimate string
	Payment          PaymentRecord
	NeedsReview      bool
	ReviewReasons    []string
	Shortfalls       []Shortfall
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
