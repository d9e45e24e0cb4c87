package checkout

import (
	"context"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
)

// ResolvePrice returns the unit price and display name for a line. A
// variation without its own price inherits the product price.
func ResolvePrice(p orders.Product, v *orders.Variation) (int64, string) {
	if v == nil {
		return p.PriceCents, p.Name
	}
	price := p.PriceCents
	if v.PriceCents != nil {
		price = *v.PriceCents
	}
	name := p.Name
	if v.Name != "" {
		name = v.Name
	}
	return price, name
}

// loadLine fetches the product and, when given, the variation scoped to it.
func loadLine(ctx context.Context, catalog orders.CatalogReader, line orders.CartLine) (orders.Product, *orders.Variation, error) {
	p, err := catalog.GetProduct(ctx, line.ProductID)
	if err != nil {
		return orders.Product{}, nil, err
	}
	if line.VariationID == "" {
		return p, nil, nil
	}
	v, err := catalog.GetVariation(ctx, p.ID, line.VariationID)
	if err != nil {
		return orders.Product{}, nil, err
	}
	return p, &v, nil
}
