// Package memstore is an in-process orders.Store guarded by one RWMutex.
// It follows the PostgreSQL repo's semantics (charge uniqueness, guarded
// decrements, coupon recount) and backs the engine tests and local runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/google/uuid"
)

type Store struct {
	mu         sync.RWMutex
	products   map[string]orders.Product
	variations map[string]orders.Variation // variationID -> variation
	coupons    map[string]orders.Coupon    // upper-case code
	pending    map[string]*orders.PendingOrder
	byCharge   map[string]string // chargeID -> pendingID
	orders     map[string]*orders.Order
	orderByCh  map[string]string // chargeID -> orderID

	materializeCalls int
}

var _ orders.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		products:   make(map[string]orders.Product),
		variations: make(map[string]orders.Variation),
		coupons:    make(map[string]orders.Coupon),
		pending:    make(map[string]*orders.PendingOrder),
		byCharge:   make(map[string]string),
		orders:     make(map[string]*orders.Order),
		orderByCh:  make(map[string]string),
	}
}

// --- seeding ---

func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) PutVariation(v orders.Variation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.SizeStock = copySizes(v.SizeStock)
	s.variations[v.ID] = v
}

func (s *Store) PutCoupon(c orders.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Code = strings.ToUpper(c.Code)
	s.coupons[c.Code] = c
}

// PutOrder inserts an already confirmed order, e.g. to simulate past coupon use.
func (s *Store) PutOrder(o orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orderByCh[o.Payment.ChargeID]; dup {
		return fmt.Errorf("%w: %s", orders.ErrDuplicateCharge, o.Payment.ChargeID)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	s.orders[o.ID] = &o
	s.orderByCh[o.Payment.ChargeID] = o.ID
	return nil
}

// Stock reads the current value of one counter. Missing counters read as -1.
func (s *Store) Stock(t orders.StockTarget) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.counter(t)
	if !ok {
		return -1
	}
	return n
}

// MaterializeCalls counts Materialize invocations, including no-op ones.
func (s *Store) MaterializeCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.materializeCalls
}

// --- catalog ---

func (s *Store) GetProduct(_ context.Context, id string) (orders.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return orders.Product{}, orders.NotFound("product", id)
	}
	return p, nil
}

func (s *Store) GetVariation(_ context.Context, productID, variationID string) (orders.Variation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variations[variationID]
	if !ok || v.ProductID != productID {
		return orders.Variation{}, orders.NotFound("variation", variationID)
	}
	v.SizeStock = copySizes(v.SizeStock)
	return v, nil
}

// --- coupons ---

func (s *Store) GetCoupon(_ context.Context, code string) (orders.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coupons[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return orders.Coupon{}, orders.NotFound("coupon", code)
	}
	return c, nil
}

func (s *Store) CountRedemptions(_ context.Context, code string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redemptions(code), nil
}

func (s *Store) redemptions(code string) int {
	code = strings.ToUpper(code)
	n := 0
	for _, o := range s.orders {
		if o.Coupon != nil && strings.ToUpper(o.Coupon.Code) == code {
			n++
		}
	}
	return n
}

// --- pending ledger ---

func (s *Store) CreatePending(_ context.Context, p *orders.PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byCharge[p.ChargeID]; dup {
		return fmt.Errorf("%w: %s", orders.ErrDuplicateCharge, p.ChargeID)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PaymentStatus == "" {
		p.PaymentStatus = orders.PaymentPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	cp := *p
	s.pending[p.ID] = &cp
	s.byCharge[p.ChargeID] = p.ID
	return nil
}

func (s *Store) GetPending(_ context.Context, id string) (orders.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[id]
	if !ok {
		return orders.PendingOrder{}, orders.NotFound("pending order", id)
	}
	return *p, nil
}

func (s *Store) GetPendingByCharge(ctx context.Context, chargeID string) (orders.PendingOrder, error) {
	s.mu.RLock()
	id, ok := s.byCharge[chargeID]
	s.mu.RUnlock()
	if !ok {
		return orders.PendingOrder{}, orders.NotFound("pending order", chargeID)
	}
	return s.GetPending(ctx, id)
}

func (s *Store) ListPending(_ context.Context) ([]orders.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.PendingOrder
	for _, p := range s.pending {
		if p.ConsumedAt == nil {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListDuePending(_ context.Context, after orders.DueCursor, limit int) ([]orders.PendingOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.PendingOrder
	for _, p := range s.pending {
		if p.ConsumedAt == nil && (p.PaymentStatus == orders.PaymentPending || p.PaymentStatus == orders.PaymentPaid) && after.After(*p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetPaymentStatus(_ context.Context, id string, from, to orders.PaymentStatus) (bool, error) {
	if !orders.CanTransitionPayment(from, to) {
		return false, fmt.Errorf("%w: payment %s -> %s", orders.ErrIllegalTransition, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok || p.ConsumedAt != nil || p.PaymentStatus != from {
		return false, nil
	}
	p.PaymentStatus = to
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

// --- orders ---

func (s *Store) GetOrder(_ context.Context, id string) (orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.NotFound("order", id)
	}
	return *o, nil
}

func (s *Store) GetOrderByCharge(ctx context.Context, chargeID string) (orders.Order, error) {
	s.mu.RLock()
	id, ok := s.orderByCh[chargeID]
	s.mu.RUnlock()
	if !ok {
		return orders.Order{}, orders.NotFound("order", chargeID)
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) ListOrders(_ context.Context) ([]orders.Order, error) {
	return s.listOrders(func(orders.Order) bool { return true }), nil
}

func (s *Store) ListOrdersByUser(_ context.Context, userID string) ([]orders.Order, error) {
	return s.listOrders(func(o orders.Order) bool { return o.UserID == userID }), nil
}

func (s *Store) listOrders(keep func(orders.Order) bool) []orders.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []orders.Order
	for _, o := range s.orders {
		if keep(*o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Store) UpdateOrderStatus(_ context.Context, id string, to orders.Status, deliveryEstimate string) (orders.Order, error) {
	if !to.Valid() {
		return orders.Order{}, fmt.Errorf("%w: unknown status %q", orders.ErrIllegalTransition, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		if p, isPending := s.pending[id]; isPending && p.ConsumedAt == nil {
			return orders.Order{}, orders.ErrStillPending
		}
		return orders.Order{}, orders.NotFound("order", id)
	}
	if o.Status != to && !orders.CanTransition(o.Status, to) {
		return orders.Order{}, fmt.Errorf("%w: %s -> %s", orders.ErrIllegalTransition, o.Status, to)
	}
	o.Status = to
	if deliveryEstimate != "" {
		o.DeliveryEstimate = deliveryEstimate
	}
	o.UpdatedAt = time.Now().UTC()
	return *o, nil
}

// --- materialization ---

func (s *Store) Materialize(_ context.Context, in orders.MaterializeInput) (orders.Materialization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.materializeCalls++

	p, ok := s.pending[in.PendingID]
	if !ok {
		return orders.Materialization{}, orders.NotFound("pending order", in.PendingID)
	}
	if p.OrderID != "" {
		return orders.Materialization{Order: *s.orders[p.OrderID], Existed: true}, nil
	}
	if id, exists := s.orderByCh[p.ChargeID]; exists {
		o := s.orders[id]
		s.consume(p, o.ID, in)
		return orders.Materialization{Order: *o, Existed: true}, nil
	}

	switch p.PaymentStatus {
	case orders.PaymentExpired:
		return orders.Materialization{}, orders.ErrExpired
	case orders.PaymentFailed:
		return orders.Materialization{}, orders.ErrFailed
	}
	if p.DeadlinePassed(in.Now) {
		p.PaymentStatus = orders.PaymentExpired
		p.UpdatedAt = in.Now
		return orders.Materialization{}, orders.ErrExpired
	}

	o := orders.NewOrder(*p, in.Payment, in.Now)
	for _, d := range p.Plan {
		cur, exists := s.counter(d.Target)
		if exists && cur >= d.Qty {
			s.setCounter(d.Target, cur-d.Qty)
			continue
		}
		if exists {
			s.setCounter(d.Target, inventory.Apply(cur, d.Qty))
		}
		o.FlagShortfall(orders.Shortfall{Target: d.Target, Requested: d.Qty, Available: max(cur, 0)})
	}

	s.orders[o.ID] = &o
	s.orderByCh[o.Payment.ChargeID] = o.ID

	if p.Coupon != nil {
		if c, ok := s.coupons[strings.ToUpper(p.Coupon.Code)]; ok && c.UsageLimit != nil && *c.UsageLimit > 0 {
			if s.redemptions(c.Code) > *c.UsageLimit {
				o.FlagCouponOverLimit()
			}
		}
	}

	s.consume(p, o.ID, in)
	return orders.Materialization{Order: o}, nil
}

func (s *Store) consume(p *orders.PendingOrder, orderID string, in orders.MaterializeInput) {
	if in.Payment.Status == orders.PaymentPaid {
		p.PaymentStatus = orders.PaymentPaid
	}
	now := in.Now
	p.OrderID = orderID
	p.ConsumedAt = &now
	p.UpdatedAt = now
}

func (s *Store) counter(t orders.StockTarget) (int, bool) {
	switch t.Kind {
	case orders.TargetSize:
		v, ok := s.variations[t.VariationID]
		if !ok {
			return 0, false
		}
		n, ok := v.SizeStock[t.Size]
		return n, ok
	case orders.TargetVariation:
		v, ok := s.variations[t.VariationID]
		return v.Stock, ok
	default:
		p, ok := s.products[t.ProductID]
		return p.Stock, ok
	}
}

func (s *Store) setCounter(t orders.StockTarget, n int) {
	switch t.Kind {
	case orders.TargetSize:
		v := s.variations[t.VariationID]
		v.SizeStock[t.Size] = n
		s.variations[t.VariationID] = v
	case orders.TargetVariation:
		v := s.variations[t.VariationID]
		v.Stock = n
		s.variations[t.VariationID] = v
	default:
		p := s.products[t.ProductID]
		p.Stock = n
		s.products[t.ProductID] = p
	}
}

func copySizes(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
