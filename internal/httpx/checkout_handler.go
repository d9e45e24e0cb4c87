package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/reconcile"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type CheckoutHandler struct {
	Service *checkout.Service
	Machine *reconcile.Machine
	Ledger  orders.PendingLedger
	// Redis is optional; without it Idempotency-Key is ignored and
	// statuses are not cached.
	Redis  *redis.Client
	Logger *logging.Logger
}

type CheckoutResp struct {
	PendingID string       `json:"pending_id"`
	ChargeID  string       `json:"charge_id"`
	QRPayload string       `json:"qr_payload"`
	ExpiresAt time.Time    `json:"expires_at"`
	Summary   orders.Quote `json:"summary"`
}

type StatusResp struct {
	PendingID           string    `json:"pending_id"`
	State               string    `json:"state"`
	PaymentStatus       string    `json:"payment_status"`
	OrderID             string    `json:"order_id,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	AlreadyMaterialized bool      `json:"already_materialized,omitempty"`
	NeedsReview         bool      `json:"needs_review,omitempty"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.createCheckout)
	r.Get("/checkout/pending/{id}/status", h.pendingStatus)
}

func (h *CheckoutHandler) createCheckout(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, errorResp{Error: "missing user"})
		return
	}
	var req checkout.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	req.UserID = uid

	ctx, cancel := context.WithTimeout(r.Context(), 25*time.Second)
	defer cancel()

	// Fast-path idempotency via Redis; tanpa key setiap request = checkout baru
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" && h.Redis != nil {
		stored, claimed, err := redisx.ClaimIdempotency(ctx, h.Redis, uid, idemKey)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			writeError(w, err)
			return
		case err != nil:
			// Redis mati: lanjut tanpa idempotency
			h.Logger.Err(logging.Fields{Step: "idempotency_claim"}, err)
			idemKey = ""
		case !claimed:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(stored)
			return
		}
	} else {
		idemKey = ""
	}

	res, err := h.Service.Checkout(ctx, req)
	if err != nil {
		if idemKey != "" {
			_ = redisx.ReleaseIdempotency(context.WithoutCancel(ctx), h.Redis, uid, idemKey)
		}
		writeError(w, err)
		return
	}

	resp := CheckoutResp{
		PendingID: res.Pending.ID,
		ChargeID:  res.Pending.ChargeID,
		QRPayload: res.Pending.QRPayload,
		ExpiresAt: res.Pending.ExpiresAt,
		Summary:   res.Quote,
	}
	if idemKey != "" {
		body, _ := json.Marshal(resp)
		if err := redisx.StoreIdempotency(ctx, h.Redis, uid, idemKey, body); err != nil {
			h.Logger.Err(logging.Fields{Step: "idempotency_store", PendingID: resp.PendingID}, err)
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *CheckoutHandler) pendingStatus(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	id := chi.URLParam(r, "id")
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, errorResp{Error: "missing user"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	p, err := h.Ledger.GetPending(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.UserID != uid {
		// jangan bocorkan keberadaan pending order milik orang lain
		writeError(w, orders.NotFound("pending order", id))
		return
	}

	// 1) coba cache (hanya status final yang di-cache)
	if h.Redis != nil {
		if b, ok, _ := redisx.CachedStatus(ctx, h.Redis, id); ok {
			var cached StatusResp
			if json.Unmarshal(b, &cached) == nil {
				writeJSON(w, statusCode(orders.ReconcileState(cached.State)), cached)
				return
			}
		}
	}

	// 2) reconcile
	res, err := h.Machine.Poll(ctx, id)
	if err != nil && !errors.Is(err, orders.ErrExpired) && !errors.Is(err, orders.ErrFailed) {
		writeError(w, err)
		return
	}

	body := toStatus(res.Pending, res)
	if res.State.IsTerminal() && h.Redis != nil {
		b, _ := json.Marshal(body)
		_ = redisx.CacheStatus(ctx, h.Redis, id, b)
	}
	writeJSON(w, statusCode(res.State), body)
}

func toStatus(p orders.PendingOrder, res reconcile.Result) StatusResp {
	s := StatusResp{
		PendingID:           p.ID,
		State:               string(res.State),
		PaymentStatus:       string(p.PaymentStatus),
		ExpiresAt:           p.ExpiresAt,
		AlreadyMaterialized: res.AlreadyMaterialized,
	}
	if res.Order != nil {
		s.OrderID = res.Order.ID
		s.NeedsReview = res.Order.NeedsReview
		s.PaymentStatus = string(res.Order.Payment.Status)
	}
	return s
}

func statusCode(s orders.ReconcileState) int {
	if s == orders.StateExpired || s == orders.StateFailed {
		return http.StatusGone
	}
	return http.StatusOK
}
