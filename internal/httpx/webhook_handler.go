package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	kafkax "github.com/ariefcatur/go-storefront-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/notify"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

// WebhookHandler receives provider notifications. With a Producer the
// charge id is forwarded to the reconciler over Kafka; without one the
// charge is reconciled inline. The body's status is never trusted.
type WebhookHandler struct {
	Producer notify.Publisher
	Machine  *reconcile.Machine
	Service  string
	Logger   *logging.Logger
}

type webhookReq struct {
	EventID  string `json:"event_id"`
	ChargeID string `json:"charge_id"`
	ID       string `json:"id"`
	Status   string `json:"status"`
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/payments", h.receive)
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	var req webhookReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}
	chargeID := strings.TrimSpace(req.ChargeID)
	if chargeID == "" {
		chargeID = strings.TrimSpace(req.ID)
	}
	if chargeID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "missing charge id"})
		return
	}

	if h.Producer != nil {
		env := kafkax.NewEnvelope(orders.EventChargeUpdated, h.Service, chargeID, orders.ChargeUpdatedPayload{ChargeID: chargeID, Status: req.Status})
		// retry dari provider pakai event id yang sama supaya dedup di consumer jalan
		if req.EventID != "" {
			env.EventID = req.EventID
		}
		env.TraceID = r.Header.Get("X-Request-Id")
		if err := h.Producer.Publish(orders.PartitionKey(chargeID), kafkax.MustMarshal(env), kafkax.Headers(env)...); err != nil {
			h.Logger.Err(logging.Fields{Step: "webhook_publish", ChargeID: chargeID, EventID: env.EventID}, err)
			writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "try again later"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	res, err := h.Machine.PollCharge(ctx, chargeID, reconcile.TriggerWebhook)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		// provider tidak perlu retry untuk charge yang bukan milik kita
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
		return
	case err != nil && !errors.Is(err, orders.ErrExpired) && !errors.Is(err, orders.ErrFailed):
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(res.State)})
}
