package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repo is the PostgreSQL Store.
type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

// querier covers both the pool and an open tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- catalog ---

func (r *Repo) GetProduct(ctx context.Context, id string) (Product, error) {
	var p Product
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, price_cents, stock, sizes, active
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.PriceCents, &p.Stock, &p.Sizes, &p.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, NotFound("product", id)
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (r *Repo) GetVariation(ctx context.Context, productID, variationID string) (Variation, error) {
	var v Variation
	err := r.DB.QueryRow(ctx, `
		SELECT id, product_id, name, price_cents, stock, sizes, active
		FROM product_variations WHERE id=$1 AND product_id=$2`, variationID, productID).
		Scan(&v.ID, &v.ProductID, &v.Name, &v.PriceCents, &v.Stock, &v.Sizes, &v.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variation{}, NotFound("variation", variationID)
	}
	if err != nil {
		return Variation{}, fmt.Errorf("get variation: %w", err)
	}

	rows, err := r.DB.Query(ctx, `SELECT size, quantity FROM variation_sizes WHERE variation_id=$1`, variationID)
	if err != nil {
		return Variation{}, fmt.Errorf("get size stock: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var size string
		var qty int
		if err := rows.Scan(&size, &qty); err != nil {
			return Variation{}, err
		}
		if v.SizeStock == nil {
			v.SizeStock = map[string]int{}
		}
		v.SizeStock[size] = qty
	}
	return v, rows.Err()
}

// --- coupons ---

func (r *Repo) GetCoupon(ctx context.Context, code string) (Coupon, error) {
	var (
		c         Coupon
		typ       string
		value     string
		expiresAt *time.Time
	)
	err := r.DB.QueryRow(ctx, `
		SELECT code, type, value::text, expires_at, active, usage_limit
		FROM coupons WHERE code=upper($1)`, strings.TrimSpace(code)).
		Scan(&c.Code, &typ, &value, &expiresAt, &c.Active, &c.UsageLimit)
	if errors.Is(err, pgx.ErrNoRows) {
		return Coupon{}, NotFound("coupon", code)
	}
	if err != nil {
		return Coupon{}, fmt.Errorf("get coupon: %w", err)
	}
	c.Type = CouponType(typ)
	if c.Value, err = decimal.NewFromString(value); err != nil {
		return Coupon{}, fmt.Errorf("coupon %s value: %w", c.Code, err)
	}
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	return c, nil
}

func (r *Repo) CountRedemptions(ctx context.Context, code string) (int, error) {
	return countRedemptions(ctx, r.DB, code)
}

func countRedemptions(ctx context.Context, q querier, code string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE coupon_code=upper($1)`, code).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return n, nil
}

// --- pending ledger ---

const pendingColumns = `id, user_id, items, plan, subtotal_cents, discount_cents, total_cents,
	address, shipping, coupon, charge_id, qr_payload, payment_status, expires_at,
	order_id, consumed_at, created_at, updated_at`

func (r *Repo) CreatePending(ctx context.Context, p *PendingOrder) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PaymentStatus == "" {
		p.PaymentStatus = PaymentPending
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt

	items, plan, address, shipping, coupon, err := marshalSnapshot(p.Items, p.Plan, p.Address, p.Shipping, p.Coupon)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO pending_orders(id, user_id, items, plan, subtotal_cents, discount_cents, total_cents,
			address, shipping, coupon, coupon_code, charge_id, qr_payload, payment_status, expires_at,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)`,
		p.ID, p.UserID, items, plan, p.SubtotalCents, p.DiscountCents, p.TotalCents,
		address, shipping, coupon, couponCode(p.Coupon), p.ChargeID, p.QRPayload, string(p.PaymentStatus),
		p.ExpiresAt, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateCharge, p.ChargeID)
	}
	if err != nil {
		return fmt.Errorf("insert pending order: %w", err)
	}
	return nil
}

func (r *Repo) GetPending(ctx context.Context, id string) (PendingOrder, error) {
	return getPending(ctx, r.DB, `WHERE id=$1`, id)
}

func (r *Repo) GetPendingByCharge(ctx context.Context, chargeID string) (PendingOrder, error) {
	return getPending(ctx, r.DB, `WHERE charge_id=$1`, chargeID)
}

func getPending(ctx context.Context, q querier, where string, arg string) (PendingOrder, error) {
	p, err := scanPending(q.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_orders `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingOrder{}, NotFound("pending order", arg)
	}
	return p, err
}

func (r *Repo) ListPending(ctx context.Context) ([]PendingOrder, error) {
	return r.listPending(ctx, `WHERE consumed_at IS NULL ORDER BY created_at DESC`)
}

func (r *Repo) ListDuePending(ctx context.Context, after DueCursor, limit int) ([]PendingOrder, error) {
	return r.listPending(ctx, `
		WHERE consumed_at IS NULL AND payment_status IN ('pending','paid')
		  AND (expires_at, id) > ($1, $2)
		ORDER BY expires_at ASC, id ASC LIMIT $3`, after.ExpiresAt, after.ID, limit)
}

func (r *Repo) listPending(ctx context.Context, tail string, args ...any) ([]PendingOrder, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+pendingColumns+` FROM pending_orders `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []PendingOrder
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) SetPaymentStatus(ctx context.Context, id string, from, to PaymentStatus) (bool, error) {
	if !CanTransitionPayment(from, to) {
		return false, fmt.Errorf("%w: payment %s -> %s", ErrIllegalTransition, from, to)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE pending_orders SET payment_status=$3, updated_at=now()
		WHERE id=$1 AND payment_status=$2 AND consumed_at IS NULL`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("set payment status: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// --- orders ---

const orderColumns = `id, user_id, pending_id, items, total_cents, address, shipping, coupon, status,
	delivery_estimate, charge_id, payment_method, payment_status, paid_at, needs_review,
	review_reasons, shortfalls, created_at, updated_at`

func (r *Repo) GetOrder(ctx context.Context, id string) (Order, error) {
	return getOrder(ctx, r.DB, `WHERE id=$1`, id)
}

func (r *Repo) GetOrderByCharge(ctx context.Context, chargeID string) (Order, error) {
	return getOrder(ctx, r.DB, `WHERE charge_id=$1`, chargeID)
}

func getOrder(ctx context.Context, q querier, where, arg string) (Order, error) {
	o, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, NotFound("order", arg)
	}
	return o, err
}

func (r *Repo) ListOrders(ctx context.Context) ([]Order, error) {
	return r.listOrders(ctx, `ORDER BY created_at DESC`)
}

func (r *Repo) ListOrdersByUser(ctx context.Context, userID string) ([]Order, error) {
	return r.listOrders(ctx, `WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

func (r *Repo) listOrders(ctx context.Context, tail string, args ...any) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrderStatus moves an order along the delivery lifecycle. Same-status
// updates are allowed so the delivery estimate can be edited alone.
func (r *Repo) UpdateOrderStatus(ctx context.Context, id string, to Status, deliveryEstimate string) (Order, error) {
	if !to.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var from string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		// id pending order belum jadi order
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM pending_orders WHERE id=$1 AND consumed_at IS NULL)`, id).Scan(&exists); err != nil {
			return Order{}, err
		}
		if exists {
			return Order{}, ErrStillPending
		}
		return Order{}, NotFound("order", id)
	}
	if err != nil {
		return Order{}, err
	}
	if Status(from) != to && !CanTransition(Status(from), to) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status=$2,
		    delivery_estimate=CASE WHEN $3 = '' THEN delivery_estimate ELSE $3 END,
		    updated_at=now()
		WHERE id=$1`, id, string(to), deliveryEstimate); err != nil {
		return Order{}, fmt.Errorf("update order status: %w", err)
	}
	o, err := getOrder(ctx, tx, `WHERE id=$1`, id)
	if err != nil {
		return Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

// --- scanning ---

func scanPending(row pgx.Row) (PendingOrder, error) {
	var (
		p                                      PendingOrder
		items, plan, address, shipping, coupon []byte
		status                                 string
		orderID                                *string
	)
	err := row.Scan(&p.ID, &p.UserID, &items, &plan, &p.SubtotalCents, &p.DiscountCents, &p.TotalCents,
		&address, &shipping, &coupon, &p.ChargeID, &p.QRPayload, &status, &p.ExpiresAt,
		&orderID, &p.ConsumedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return PendingOrder{}, err
	}
	p.PaymentStatus = PaymentStatus(status)
	if orderID != nil {
		p.OrderID = *orderID
	}
	if err := unmarshalSnapshot(items, &p.Items, plan, &p.Plan, address, &p.Address, shipping, &p.Shipping, coupon, &p.Coupon); err != nil {
		return PendingOrder{}, fmt.Errorf("pending %s: %w", p.ID, err)
	}
	return p, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o                                Order
		items, address, shipping, coupon []byte
		shortfalls                       []byte
		status, payMethod, payStatus     string
	)
	err := row.Scan(&o.ID, &o.UserID, &o.PendingID, &items, &o.TotalCents, &address, &shipping, &coupon,
		&status, &o.DeliveryEstimate, &o.Payment.ChargeID, &payMethod, &payStatus, &o.Payment.PaidAt,
		&o.NeedsReview, &o.ReviewReasons, &shortfalls, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	o.Payment.Method = payMethod
	o.Payment.Status = PaymentStatus(payStatus)
	if err := unmarshalSnapshot(items, &o.Items, nil, nil, address, &o.Address, shipping, &o.Shipping, coupon, &o.Coupon); err != nil {
		return Order{}, fmt.Errorf("order %s: %w", o.ID, err)
	}
	if len(shortfalls) > 0 {
		if err := json.Unmarshal(shortfalls, &o.Shortfalls); err != nil {
			return Order{}, fmt.Errorf("order %s shortfalls: %w", o.ID, err)
		}
	}
	return o, nil
}

func marshalSnapshot(items []LineItem, plan []Decrement, addr Address, ship Shipping, c *AppliedCoupon) (i, p, a, s, cp []byte, err error) {
	if items == nil {
		items = []LineItem{}
	}
	if plan == nil {
		plan = []Decrement{}
	}
	if i, err = json.Marshal(items); err != nil {
		return
	}
	if p, err = json.Marshal(plan); err != nil {
		return
	}
	if a, err = json.Marshal(addr); err != nil {
		return
	}
	if s, err = json.Marshal(ship); err != nil {
		return
	}
	if c != nil {
		cp, err = json.Marshal(c)
	}
	return
}

func unmarshalSnapshot(items []byte, itemsDst *[]LineItem, plan []byte, planDst *[]Decrement,
	addr []byte, addrDst *Address, ship []byte, shipDst *Shipping, coupon []byte, couponDst **AppliedCoupon) error {
	if err := json.Unmarshal(items, itemsDst); err != nil {
		return fmt.Errorf("items: %w", err)
	}
	if planDst != nil && len(plan) > 0 {
		if err := json.Unmarshal(plan, planDst); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
	}
	if err := json.Unmarshal(addr, addrDst); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if err := json.Unmarshal(ship, shipDst); err != nil {
		return fmt.Errorf("shipping: %w", err)
	}
	if len(coupon) > 0 {
		var c AppliedCoupon
		if err := json.Unmarshal(coupon, &c); err != nil {
			return fmt.Errorf("coupon: %w", err)
		}
		*couponDst = &c
	}
	return nil
}

func couponCode(c *AppliedCoupon) *string {
	if c == nil {
		return nil
	}
	code := strings.ToUpper(c.Code)
	return &code
}
