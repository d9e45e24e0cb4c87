package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Materialize turns a paid (or admin-confirmed) pending order into an Order
// in one transaction. The pending row is locked FOR UPDATE for the whole
// transaction, and orders_charge_id_key rejects a second order for the same
// charge even across processes.
func (r *Repo) Materialize(ctx context.Context, in MaterializeInput) (Materialization, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Materialization{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPending(tx.QueryRow(ctx, `SELECT `+pendingColumns+` FROM pending_orders WHERE id=$1 FOR UPDATE`, in.PendingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Materialization{}, NotFound("pending order", in.PendingID)
	}
	if err != nil {
		return Materialization{}, fmt.Errorf("lock pending: %w", err)
	}

	if p.OrderID != "" {
		o, err := getOrder(ctx, tx, `WHERE id=$1`, p.OrderID)
		if err != nil {
			return Materialization{}, err
		}
		return Materialization{Order: o, Existed: true}, nil
	}

	// order sudah ada utk charge ini tapi pending belum di-consume (crash di tengah jalan)
	existing, err := getOrder(ctx, tx, `WHERE charge_id=$1`, p.ChargeID)
	switch {
	case err == nil:
		if err := consumePending(ctx, tx, p, existing, in); err != nil {
			return Materialization{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Materialization{}, err
		}
		return Materialization{Order: existing, Existed: true}, nil
	case !errors.Is(err, ErrNotFound):
		return Materialization{}, err
	}

	switch p.PaymentStatus {
	case PaymentExpired:
		return Materialization{}, ErrExpired
	case PaymentFailed:
		return Materialization{}, ErrFailed
	}
	if p.DeadlinePassed(in.Now) {
		if _, err := tx.Exec(ctx, `
			UPDATE pending_orders SET payment_status='expired', updated_at=$2
			WHERE id=$1`, p.ID, in.Now); err != nil {
			return Materialization{}, fmt.Errorf("expire pending: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Materialization{}, err
		}
		return Materialization{}, ErrExpired
	}

	o := NewOrder(p, in.Payment, in.Now)
	inserted, err := insertOrder(ctx, tx, o)
	if err != nil {
		return Materialization{}, err
	}
	if !inserted {
		// kalah race dengan tx lain; rollback dan pakai order pemenang
		_ = tx.Rollback(ctx)
		winner, err := r.GetOrderByCharge(ctx, p.ChargeID)
		if err != nil {
			return Materialization{}, err
		}
		return Materialization{Order: winner, Existed: true}, nil
	}

	for _, d := range p.Plan {
		sf, err := applyDecrement(ctx, tx, d)
		if err != nil {
			return Materialization{}, err
		}
		if sf != nil {
			o.FlagShortfall(*sf)
		}
	}

	if p.Coupon != nil {
		over, err := couponOverLimit(ctx, tx, p.Coupon.Code)
		if err != nil {
			return Materialization{}, err
		}
		if over {
			o.FlagCouponOverLimit()
		}
	}

	if o.NeedsReview {
		shortfalls, err := json.Marshal(o.Shortfalls)
		if err != nil {
			return Materialization{}, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET needs_review=TRUE, review_reasons=$2, shortfalls=$3
			WHERE id=$1`, o.ID, o.ReviewReasons, shortfalls); err != nil {
			return Materialization{}, fmt.Errorf("flag order: %w", err)
		}
	}

	if err := consumePending(ctx, tx, p, o, in); err != nil {
		return Materialization{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Materialization{}, err
	}
	return Materialization{Order: o}, nil
}

func insertOrder(ctx context.Context, tx pgx.Tx, o Order) (bool, error) {
	items, _, address, shipping, coupon, err := marshalSnapshot(o.Items, nil, o.Address, o.Shipping, o.Coupon)
	if err != nil {
		return false, err
	}
	ct, err := tx.Exec(ctx, `
		INSERT INTO orders(id, user_id, pending_id, items, total_cents, address, shipping, coupon, coupon_code,
			status, delivery_estimate, charge_id, payment_method, payment_status, paid_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		ON CONFLICT (charge_id) DO NOTHING`,
		o.ID, o.UserID, o.PendingID, items, o.TotalCents, address, shipping, coupon, couponCode(o.Coupon),
		string(o.Status), o.DeliveryEstimate, o.Payment.ChargeID, o.Payment.Method, string(o.Payment.Status),
		o.Payment.PaidAt, o.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert order: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

func consumePending(ctx context.Context, tx pgx.Tx, p PendingOrder, o Order, in MaterializeInput) error {
	status := p.PaymentStatus
	if in.Payment.Status == PaymentPaid {
		status = PaymentPaid
	}
	_, err := tx.Exec(ctx, `
		UPDATE pending_orders
		SET payment_status=$2, order_id=$3, consumed_at=$4, updated_at=$4
		WHERE id=$1`, p.ID, string(status), o.ID, in.Now)
	if err != nil {
		return fmt.Errorf("consume pending: %w", err)
	}
	return nil
}

type stockCounter struct {
	table  string
	column string
	keys   []string
	args   []any
}

func counterFor(t StockTarget) stockCounter {
	switch t.Kind {
	case TargetSize:
		return stockCounter{"variation_sizes", "quantity", []string{"variation_id", "size"}, []any{t.VariationID, t.Size}}
	case TargetVariation:
		return stockCounter{"product_variations", "stock", []string{"id"}, []any{t.VariationID}}
	default:
		return stockCounter{"products", "stock", []string{"id"}, []any{t.ProductID}}
	}
}

func (c stockCounter) where() string {
	parts := make([]string, len(c.keys))
	for i, k := range c.keys {
		parts[i] = fmt.Sprintf("%s=$%d", k, i+1)
	}
	return strings.Join(parts, " AND ")
}

// applyDecrement tries the guarded relative update first. When the guard
// fails the counter is clamped at zero and the shortfall returned.
func applyDecrement(ctx context.Context, tx pgx.Tx, d Decrement) (*Shortfall, error) {
	c := counterFor(d.Target)
	qtyArg := fmt.Sprintf("$%d", len(c.args)+1)
	args := append(append([]any{}, c.args...), d.Qty)

	ct, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = %s - %s WHERE %s AND %s >= %s`,
		c.table, c.column, c.column, qtyArg, c.where(), c.column, qtyArg), args...)
	if err != nil {
		return nil, fmt.Errorf("decrement %s: %w", d.Target.Key(), err)
	}
	if ct.RowsAffected() == 1 {
		return nil, nil
	}

	var prev int
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s FOR UPDATE`, c.column, c.table, c.where()), c.args...).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return &Shortfall{Target: d.Target, Requested: d.Qty, Available: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", d.Target.Key(), err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET %s = GREATEST(%s - %s, 0) WHERE %s`,
		c.table, c.column, c.column, qtyArg, c.where()), args...); err != nil {
		return nil, fmt.Errorf("clamp %s: %w", d.Target.Key(), err)
	}
	return &Shortfall{Target: d.Target, Requested: d.Qty, Available: prev}, nil
}

// couponOverLimit locks the coupon row so concurrent materializations of the
// same code count one after another. The new order is already inserted.
func couponOverLimit(ctx context.Context, tx pgx.Tx, code string) (bool, error) {
	var limit *int
	err := tx.QueryRow(ctx, `SELECT usage_limit FROM coupons WHERE code=upper($1) FOR UPDATE`, code).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lock coupon: %w", err)
	}
	if limit == nil || *limit <= 0 {
		return false, nil
	}
	n, err := countRedemptions(ctx, tx, code)
	if err != nil {
		return false, err
	}
	return n > *limit, nil
}
