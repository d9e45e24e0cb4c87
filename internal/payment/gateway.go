// Package payment talks to the PIX-style charge provider.
package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
)

// ErrMisconfigured marks failures the operator must fix (missing base URL,
// missing or rejected credentials). Its text is safe to show to buyers.
var ErrMisconfigured = errors.New("payment provider not configured")

type ChargeRequest struct {
	AmountCents int64             `json:"amount_cents"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	// ExpiresIn is the charge lifetime requested from the provider.
	ExpiresIn time.Duration `json:"-"`
}

type Charge struct {
	ChargeID  string
	QRPayload string
	ExpiresAt time.Time
}

type StatusReport struct {
	Status orders.PaymentStatus
	PaidAt *time.Time
}

// Gateway is the payment provider. CreateCharge must not be retried by
// callers; ChargeStatus is safe to repeat.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	ChargeStatus(ctx context.Context, chargeID string) (StatusReport, error)
}

// NormalizeStatus maps provider spellings onto the engine's statuses.
// Unknown values read as pending so reconciliation keeps polling.
func NormalizeStatus(s string) orders.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PAID", "CONCLUIDA", "COMPLETED", "APPROVED":
		return orders.PaymentPaid
	case "EXPIRED", "EXPIRADA":
		return orders.PaymentExpired
	case "FAILED", "CANCELLED", "CANCELED", "REJECTED",
		"REMOVIDA_PELO_USUARIO_RECEBEDOR", "REMOVIDA_PELO_PSP":
		return orders.PaymentFailed
	default:
		return orders.PaymentPending
	}
}
