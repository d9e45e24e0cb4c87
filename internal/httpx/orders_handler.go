package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/go-chi/chi/v5"
)

type OrderResp struct {
	ID               string                `json:"id"`
	UserID           string                `json:"user_id"`
	Items            []orders.LineItem     `json:"items"`
	TotalCents       int64                 `json:"total_cents"`
	Address          orders.Address        `json:"address"`
	Shipping         orders.Shipping       `json:"shipping"`
	Coupon           *orders.AppliedCoupon `json:"coupon,omitempty"`
	Status           string                `json:"status"`
	DeliveryEstimate string                `json:"delivery_estimate,omitempty"`
	Payment          orders.PaymentRecord  `json:"payment"`
	NeedsReview      bool                  `json:"needs_review,omitempty"`
	ReviewReasons    []string              `json:"review_reasons,omitempty"`
	Shortfalls       []orders.Shortfall    `json:"shortfalls,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
}

func toOrderResp(o orders.Order) OrderResp {
	return OrderResp{
		ID:               o.ID,
		UserID:           o.UserID,
		Items:            o.Items,
		TotalCents:       o.TotalCents,
		Address:          o.Address,
		Shipping:         o.Shipping,
		Coupon:           o.Coupon,
		Status:           string(o.Status),
		DeliveryEstimate: o.DeliveryEstimate,
		Payment:          o.Payment,
		NeedsReview:      o.NeedsReview,
		ReviewReasons:    o.ReviewReasons,
		Shortfalls:       o.Shortfalls,
		CreatedAt:        o.CreatedAt,
	}
}

func toOrderList(os []orders.Order) []OrderResp {
	out := make([]OrderResp, 0, len(os))
	for _, o := range os {
		out = append(out, toOrderResp(o))
	}
	return out
}

type OrdersHandler struct {
	Store orders.OrderStore
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders/mine", h.listMine)
}

func (h *OrdersHandler) listMine(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, errorResp{Error: "missing user"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	os, err := h.Store.ListOrdersByUser(ctx, uid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderList(os))
}
