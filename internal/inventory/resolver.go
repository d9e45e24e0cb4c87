// Package inventory resolves how much stock a cart line can draw on and
// which counter a paid order must decrement.
//
// Resolution order: a size listed in the variation's size stock, then the
// variation's own stock, then the product's stock.
package inventory

import (
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
)

type Resolution struct {
	Target    orders.StockTarget
	Available int
}

// Resolve picks the stock counter for a line. v may be nil when the line
// has no variation.
func Resolve(p orders.Product, v *orders.Variation, size string) Resolution {
	if v != nil {
		if size != "" {
			if q, ok := v.SizeStock[size]; ok {
				return Resolution{
					Target:    orders.StockTarget{Kind: orders.TargetSize, ProductID: p.ID, VariationID: v.ID, Size: size},
					Available: nonNegative(q),
				}
			}
		}
		return Resolution{
			Target:    orders.StockTarget{Kind: orders.TargetVariation, ProductID: p.ID, VariationID: v.ID},
			Available: nonNegative(v.Stock),
		}
	}
	return Resolution{
		Target:    orders.StockTarget{Kind: orders.TargetProduct, ProductID: p.ID},
		Available: nonNegative(p.Stock),
	}
}

func Check(res Resolution, name string, requested int) error {
	if requested > res.Available {
		return &orders.InsufficientStockError{
			Target:    res.Target,
			Name:      name,
			Available: res.Available,
			Requested: requested,
		}
	}
	return nil
}

// Apply is the clamped decrement: max(0, previous-qty).
func Apply(previous, qty int) int {
	if qty >= previous {
		return 0
	}
	return previous - qty
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
