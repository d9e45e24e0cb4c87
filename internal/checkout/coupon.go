package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

type CouponValidator struct {
	Store orders.CouponStore
	Now   func() time.Time
}

// Validate returns nil, nil when no code is given.
func (v *CouponValidator) Validate(ctx context.Context, code string, subtotalCents int64) (*orders.AppliedCoupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil
	}
	c, err := v.Store.GetCoupon(ctx, code)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", orders.ErrCouponInvalid, code)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if !c.Active || (!c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)) {
		return nil, fmt.Errorf("%w: %s", orders.ErrCouponInvalid, code)
	}

	// limit 0 artinya tanpa batas
	if c.UsageLimit != nil && *c.UsageLimit > 0 {
		used, err := v.Store.CountRedemptions(ctx, c.Code)
		if err != nil {
			return nil, fmt.Errorf("count coupon usage: %w", err)
		}
		if used >= *c.UsageLimit {
			return nil, fmt.Errorf("%w: %s (%d/%d)", orders.ErrCouponExhausted, code, used, *c.UsageLimit)
		}
	}

	return &orders.AppliedCoupon{
		Code:          c.Code,
		Type:          c.Type,
		Value:         c.Value,
		DiscountCents: Discount(c, subtotalCents),
	}, nil
}

// Discount is always within [0, subtotal]. Percentage coupons round half-up
// on cents; fixed coupon values are in currency units.
func Discount(c orders.Coupon, subtotalCents int64) int64 {
	if subtotalCents <= 0 || c.Value.Sign() <= 0 {
		return 0
	}
	var d int64
	switch c.Type {
	case orders.CouponPercentage:
		d = decimal.NewFromInt(subtotalCents).Mul(c.Value).Div(hundred).Round(0).IntPart()
	case orders.CouponFixed:
		d = c.Value.Mul(hundred).Round(0).IntPart()
	}
	return clamp(d, 0, subtotalCents)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
