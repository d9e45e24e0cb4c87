// Package checkout prices a cart, charges it and records the pending order.
// No stock is touched here; stock moves only when a paid pending order is
// materialized.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment"
)

// Store is what checkout needs from persistence.
type Store interface {
	orders.CatalogReader
	orders.CouponStore
	orders.PendingLedger
}

// Request carries every selection for one checkout. Nothing about the
// buyer's current variation or size lives outside it.
type Request struct {
	UserID     string            `json:"-"`
	Lines      []orders.CartLine `json:"items"`
	Address    orders.Address    `json:"address"`
	CouponCode string            `json:"coupon_code,omitempty"`
	Shipping   ShippingSelection `json:"shipping"`
}

type Result struct {
	Pending orders.PendingOrder
	Quote   orders.Quote
}

type Options struct {
	Shipping       ShippingDefaults
	ChargeTTL      time.Duration
	GatewayTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
	Now            func() time.Time
}

type Service struct {
	store   Store
	gateway payment.Gateway
	coupons *CouponValidator
	opt     Options
}

func NewService(store Store, gw payment.Gateway, opt Options) *Service {
	if opt.ChargeTTL <= 0 {
		opt.ChargeTTL = 30 * time.Minute
	}
	if opt.GatewayTimeout <= 0 {
		opt.GatewayTimeout = 15 * time.Second
	}
	if opt.Now == nil {
		opt.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:   store,
		gateway: gw,
		coupons: &CouponValidator{Store: store, Now: opt.Now},
		opt:     opt,
	}
}

// Quote prices the checked lines without side effects. Every failing line
// is reported, each wrapped in *orders.LineError.
func (s *Service) Quote(ctx context.Context, req Request) (orders.Quote, error) {
	planner := inventory.NewPlanner()
	var (
		items    []orders.LineItem
		lineErrs []error
		subtotal int64
	)
	for i, line := range req.Lines {
		if !line.Checked {
			continue
		}
		item, res, err := s.priceLine(ctx, line)
		if err == nil {
			err = planner.Add(res, item.Name, item.Qty)
		}
		if err != nil {
			lineErrs = append(lineErrs, &orders.LineError{Index: i, ProductID: line.ProductID, Err: err})
			continue
		}
		items = append(items, item)
		subtotal += item.SubtotalCents()
	}
	if len(items) == 0 && len(lineErrs) == 0 {
		return orders.Quote{}, orders.ErrEmptyCart
	}
	if len(lineErrs) > 0 {
		return orders.Quote{}, errors.Join(lineErrs...)
	}

	coupon, err := s.coupons.Validate(ctx, req.CouponCode, subtotal)
	if err != nil {
		return orders.Quote{}, err
	}
	ship, err := ResolveShipping(req.Shipping, s.opt.Shipping)
	if err != nil {
		return orders.Quote{}, err
	}

	q := orders.Quote{
		Items:         items,
		Plan:          planner.Plan(),
		SubtotalCents: subtotal,
		Coupon:        coupon,
		Shipping:      ship,
	}
	if coupon != nil {
		q.DiscountCents = coupon.DiscountCents
	}
	// Discount <= subtotal dan ongkir >= 0, jadi total tidak pernah negatif
	q.GrandTotalCents = q.SubtotalCents - q.DiscountCents + q.Shipping.PriceCents
	return q, nil
}

func (s *Service) priceLine(ctx context.Context, line orders.CartLine) (orders.LineItem, inventory.Resolution, error) {
	if line.ProductID == "" {
		return orders.LineItem{}, inventory.Resolution{}, fmt.Errorf("%w: missing product id", orders.ErrInvalidLine)
	}
	// qty kosong dari client = 1
	qty := line.Qty
	if qty == 0 {
		qty = 1
	}
	if qty < 0 {
		return orders.LineItem{}, inventory.Resolution{}, fmt.Errorf("%w: quantity must be at least 1", orders.ErrInvalidLine)
	}
	p, v, err := loadLine(ctx, s.store, line)
	if err != nil {
		return orders.LineItem{}, inventory.Resolution{}, err
	}
	price, name := ResolvePrice(p, v)
	item := orders.LineItem{
		ProductID:      p.ID,
		VariationID:    line.VariationID,
		Size:           line.Size,
		Name:           name,
		UnitPriceCents: price,
		Qty:            qty,
	}
	return item, inventory.Resolve(p, v, line.Size), nil
}

// Checkout quotes the cart, creates exactly one charge and writes exactly
// one pending order. When the gateway fails nothing is written.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	q, err := s.Quote(ctx, req)
	if err != nil {
		s.opt.Metrics.Checkout("rejected")
		return Result{}, err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.opt.GatewayTimeout)
	charge, err := s.gateway.CreateCharge(chargeCtx, payment.ChargeRequest{
		AmountCents: q.GrandTotalCents,
		Description: fmt.Sprintf("Pedido - %d item(ns)", len(q.Items)),
		Metadata:    chargeMetadata(req.UserID, q),
		ExpiresIn:   s.opt.ChargeTTL,
	})
	cancel()
	if err != nil {
		s.opt.Metrics.Checkout("gateway_error")
		s.opt.Logger.Err(logging.Fields{Step: "create_charge", Message: "user " + req.UserID}, err)
		return Result{}, &orders.GatewayError{
			Op:            "create_charge",
			Err:           err,
			Configuration: errors.Is(err, payment.ErrMisconfigured),
		}
	}

	now := s.opt.Now()
	expiresAt := charge.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.opt.ChargeTTL)
	}
	p := orders.PendingOrder{
		UserID:        req.UserID,
		Items:         q.Items,
		Plan:          q.Plan,
		SubtotalCents: q.SubtotalCents,
		DiscountCents: q.DiscountCents,
		TotalCents:    q.GrandTotalCents,
		Address:       req.Address,
		Shipping:      q.Shipping,
		Coupon:        q.Coupon,
		ChargeID:      charge.ChargeID,
		QRPayload:     charge.QRPayload,
		PaymentStatus: orders.PaymentPending,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
	}
	if err := s.store.CreatePending(ctx, &p); err != nil {
		// charge sudah dibuat di provider tapi tidak tercatat; akan expire sendiri
		s.opt.Metrics.Checkout("store_error")
		s.opt.Logger.Err(logging.Fields{Step: "create_pending", ChargeID: charge.ChargeID}, err)
		return Result{}, fmt.Errorf("record pending order: %w", err)
	}

	s.opt.Metrics.Checkout("ok")
	s.opt.Logger.Log(logging.Since(logging.Fields{
		Step:      "checkout",
		Status:    "pending",
		PendingID: p.ID,
		ChargeID:  p.ChargeID,
	}, start))
	return Result{Pending: p, Quote: q}, nil
}

func chargeMetadata(userID string, q orders.Quote) map[string]string {
	md := map[string]string{
		"user_id":          userID,
		"items_count":      strconv.Itoa(len(q.Items)),
		"shipping_type":    string(q.Shipping.Type),
		"shipping_service": q.Shipping.ServiceName,
		"shipping_price":   strconv.FormatInt(q.Shipping.PriceCents, 10),
	}
	if q.Coupon != nil {
		md["coupon_code"] = q.Coupon.Code
	}
	if q.Shipping.ServiceCode != "" {
		md["shipping_code"] = q.Shipping.ServiceCode
	}
	if q.Shipping.PostalCode != "" {
		md["shipping_postal_code"] = q.Shipping.PostalCode
	}
	return md
}
