package checkout

import (
	"fmt"
	"math"
	"strings"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/shopspring/decimal"
)

// ShippingSelection is the buyer's chosen delivery method as sent by the
// client. Price is in currency units and only read for carrier quotes.
type ShippingSelection struct {
	Type        string  `json:"type"`
	Address     string  `json:"address,omitempty"`
	Contact     string  `json:"contact,omitempty"`
	PostalCode  string  `json:"postal_code,omitempty"`
	ServiceCode string  `json:"service_code,omitempty"`
	ServiceName string  `json:"service_name,omitempty"`
	Price       float64 `json:"price,omitempty"`
	TransitDays *int    `json:"transit_days,omitempty"`
	Carrier     string  `json:"carrier,omitempty"`
}

type ShippingDefaults struct {
	PickupAddress  string
	CourierContact string
}

// maxShippingCents caps a carrier quote at 100000.00 so the total always
// fits the int64 cent columns.
var maxShippingCents = decimal.NewFromInt(10_000_000)

var shippingAliases = map[string]orders.ShippingType{
	"pickup":        orders.ShippingPickup,
	"courier":       orders.ShippingCourier,
	"moto-uber":     orders.ShippingCourier,
	"carrier":       orders.ShippingCarrier,
	"carrier-quote": orders.ShippingCarrier,
	"cep":           orders.ShippingCarrier,
}

func ResolveShipping(sel ShippingSelection, d ShippingDefaults) (orders.Shipping, error) {
	typ := strings.ToLower(strings.TrimSpace(sel.Type))
	if typ == "" {
		return orders.Shipping{}, fmt.Errorf("%w: shipping information required", orders.ErrInvalidShipping)
	}
	kind, ok := shippingAliases[typ]
	if !ok {
		return orders.Shipping{}, fmt.Errorf("%w: unknown type %q", orders.ErrInvalidShipping, sel.Type)
	}

	switch kind {
	case orders.ShippingPickup:
		return orders.Shipping{
			Type:          kind,
			ServiceName:   "Retirada no local",
			PickupAddress: firstNonEmpty(sel.Address, d.PickupAddress),
		}, nil
	case orders.ShippingCourier:
		return orders.Shipping{
			Type:        kind,
			ServiceName: "Entrega via moto (a combinar)",
			Contact:     firstNonEmpty(sel.Contact, d.CourierContact),
		}, nil
	}

	if math.IsNaN(sel.Price) || math.IsInf(sel.Price, 0) || sel.Price < 0 {
		return orders.Shipping{}, fmt.Errorf("%w: invalid carrier price", orders.ErrInvalidShipping)
	}
	price := decimal.NewFromFloat(sel.Price).Mul(hundred).Round(0)
	if price.GreaterThan(maxShippingCents) {
		return orders.Shipping{}, fmt.Errorf("%w: carrier price above %s", orders.ErrInvalidShipping, maxShippingCents.Div(hundred).StringFixed(2))
	}
	if sel.TransitDays != nil && *sel.TransitDays < 0 {
		return orders.Shipping{}, fmt.Errorf("%w: negative transit days", orders.ErrInvalidShipping)
	}
	return orders.Shipping{
		Type:        kind,
		ServiceName: firstNonEmpty(sel.ServiceName, "Frete"),
		PriceCents:  price.IntPart(),
		PostalCode:  digitsOnly(sel.PostalCode),
		ServiceCode: strings.TrimSpace(sel.ServiceCode),
		TransitDays: sel.TransitDays,
		Carrier:     strings.TrimSpace(sel.Carrier),
	}, nil
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return ""
}
