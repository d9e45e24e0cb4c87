package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CatalogReader interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	// GetVariation only resolves variations belonging to productID.
	GetVariation(ctx context.Context, productID, variationID string) (Variation, error)
}

type CouponStore interface {
	GetCoupon(ctx context.Context, code string) (Coupon, error)
	CountRedemptions(ctx context.Context, code string) (int, error)
}

type PendingLedger interface {
	CreatePending(ctx context.Context, p *PendingOrder) error
	GetPending(ctx context.Context, id string) (PendingOrder, error)
	GetPendingByCharge(ctx context.Context, chargeID string) (PendingOrder, error)
	// ListPending returns rows not yet materialized, newest first.
	ListPending(ctx context.Context) ([]PendingOrder, error)
	// ListDuePending returns unconsumed rows still awaiting payment that sort
	// after the cursor, earliest deadline first.
	ListDuePending(ctx context.Context, after DueCursor, limit int) ([]PendingOrder, error)
	// SetPaymentStatus is a compare-and-swap on an unconsumed row.
	SetPaymentStatus(ctx context.Context, id string, from, to PaymentStatus) (bool, error)
}

// DueCursor is a position in the (ExpiresAt, ID) order of due pending rows.
// The zero value starts from the beginning.
type DueCursor struct {
	ExpiresAt time.Time
	ID        string
}

func CursorAt(p PendingOrder) DueCursor { return DueCursor{ExpiresAt: p.ExpiresAt, ID: p.ID} }

// After reports whether p sorts strictly after the cursor.
func (c DueCursor) After(p PendingOrder) bool {
	if !p.ExpiresAt.Equal(c.ExpiresAt) {
		return p.ExpiresAt.After(c.ExpiresAt)
	}
	return p.ID > c.ID
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByCharge(ctx context.Context, chargeID string) (Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id string, to Status, deliveryEstimate string) (Order, error)
}

type MaterializeInput struct {
	PendingID string
	Payment   PaymentRecord
	Now       time.Time
}

type Materialization struct {
	Order   Order
	Existed bool
}

// Materializer performs the paid -> materialized step as one atomic unit:
// existence check by charge id, order insert, stock decrements, coupon
// recount and consuming the pending row. Either everything is written or
// nothing is; a second call for the same pending order returns the first
// call's order with Existed set.
type Materializer interface {
	Materialize(ctx context.Context, in MaterializeInput) (Materialization, error)
}

type Store interface {
	CatalogReader
	CouponStore
	PendingLedger
	OrderStore
	Materializer
}

// NewOrder builds the confirmed order from the pending snapshot.
func NewOrder(p PendingOrder, pay PaymentRecord, now time.Time) Order {
	pay.ChargeID = p.ChargeID
	if pay.Method == "" {
		pay.Method = "pix"
	}
	return Order{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		PendingID:  p.ID,
		Items:      p.Items,
		TotalCents: p.TotalCents,
		Address:    p.Address,
		Shipping:   p.Shipping,
		Coupon:     p.Coupon,
		Status:     StatusPlaced,
		Payment:    pay,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// FlagShortfall marks the order for manual review (refund or backorder).
func (o *Order) FlagShortfall(s Shortfall) {
	o.Shortfalls = append(o.Shortfalls, s)
	o.flag("stock_shortfall")
}

func (o *Order) FlagCouponOverLimit() { o.flag("coupon_over_limit") }

func (o *Order) flag(reason string) {
	o.NeedsReview = true
	for _, r := range o.ReviewReasons {
		if r == reason {
			return
		}
	}
	o.ReviewReasons = append(o.ReviewReasons, reason)
}
