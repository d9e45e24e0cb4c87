package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

type AdminStore interface {
	orders.OrderStore
	orders.PendingLedger
}

// AdminHandler serves /admin. Access control happens upstream.
type AdminHandler struct {
	Store   AdminStore
	Machine *reconcile.Machine
}

type PendingResp struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	Items         []orders.LineItem `json:"items"`
	TotalCents    int64             `json:"total_cents"`
	Shipping      orders.Shipping   `json:"shipping"`
	ChargeID      string            `json:"charge_id"`
	PaymentStatus string            `json:"payment_status"`
	ExpiresAt     time.Time         `json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

type UpdateStatusReq struct {
	Status           string `json:"status"`
	DeliveryEstimate string `json:"delivery_estimate"`
}

type ConfirmResp struct {
	Order               OrderResp `json:"order"`
	AlreadyMaterialized bool      `json:"already_materialized"`
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/orders", h.listOrders)
		r.Get("/pending", h.listPending)
		r.Post("/pending/{id}/confirm", h.confirm)
		r.Put("/orders/{id}/status", h.updateStatus)
	})
}

func (h *AdminHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	list, err := h.Store.ListOrders(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderList(list))
}

func (h *AdminHandler) listPending(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	ps, err := h.Store.ListPending(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]PendingResp, 0, len(ps))
	for _, p := range ps {
		out = append(out, PendingResp{
			ID:            p.ID,
			UserID:        p.UserID,
			Items:         p.Items,
			TotalCents:    p.TotalCents,
			Shipping:      p.Shipping,
			ChargeID:      p.ChargeID,
			PaymentStatus: string(p.PaymentStatus),
			ExpiresAt:     p.ExpiresAt,
			CreatedAt:     p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) confirm(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	res, err := h.Machine.Confirm(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConfirmResp{Order: toOrderResp(*res.Order), AlreadyMaterialized: res.AlreadyMaterialized})
}

func (h *AdminHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	status := orders.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid status"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	o, err := h.Store.UpdateOrderStatus(ctx, chi.URLParam(r, "id"), status, strings.TrimSpace(req.DeliveryEstimate))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}
