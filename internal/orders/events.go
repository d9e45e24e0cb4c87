package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderConfirmed = "OrderConfirmed"
	EventPendingExpired = "PendingExpired"
	EventPendingFailed  = "PendingFailed"
	EventChargeUpdated  = "ChargeUpdated"
	EventStockShortfall = "StockShortfall"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "fulfillment-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // charge id
	Payload       json.RawMessage `json:"payload"`
}

type OrderConfirmedPayload struct {
	OrderID       string     `json:"order_id"`
	PendingID     string     `json:"pending_id"`
	UserID        string     `json:"user_id"`
	ChargeID      string     `json:"charge_id"`
	Items         []LineItem `json:"items"`
	TotalCents    int64      `json:"total_cents"`
	Address       Address    `json:"address"`
	Shipping      Shipping   `json:"shipping"`
	PaymentStatus string     `json:"payment_status"`
	NeedsReview   bool       `json:"needs_review,omitempty"`
	ReviewReasons []string   `json:"review_reasons,omitempty"`
}

type PendingClosedPayload struct {
	PendingID string `json:"pending_id"`
	UserID    string `json:"user_id"`
	ChargeID  string `json:"charge_id"`
	Status    string `json:"status"` // expired | failed
}

// ChargeUpdatedPayload is what the payment webhook forwards. Consumers must
// treat it as a hint and re-read the charge from the gateway.
type ChargeUpdatedPayload struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status,omitempty"`
}

type StockShortfallPayload struct {
	OrderID    string      `json:"order_id"`
	ChargeID   string      `json:"charge_id"`
	Shortfalls []Shortfall `json:"shortfalls"`
}

func ConfirmedPayload(o Order) OrderConfirmedPayload {
	return OrderConfirmedPayload{
		OrderID:       o.ID,
		PendingID:     o.PendingID,
		UserID:        o.UserID,
		ChargeID:      o.Payment.ChargeID,
		Items:         o.Items,
		TotalCents:    o.TotalCents,
		Address:       o.Address,
		Shipping:      o.Shipping,
		PaymentStatus: string(o.Payment.Status),
		NeedsReview:   o.NeedsReview,
		ReviewReasons: o.ReviewReasons,
	}
}
