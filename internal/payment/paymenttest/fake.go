// Package paymenttest provides an in-memory payment.Gateway for tests.
package paymenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment"
)

type Fake struct {
	mu        sync.Mutex
	seq       int
	charges   map[string]payment.StatusReport
	Requests  []payment.ChargeRequest
	CreateErr error
	StatusErr error
	TTL       time.Duration
	// StatusDelay slows ChargeStatus down so concurrent callers overlap.
	StatusDelay time.Duration
	statusCalls int
}

var _ payment.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{charges: map[string]payment.StatusReport{}, TTL: 30 * time.Minute}
}

func (f *Fake) CreateCharge(_ context.Context, req payment.ChargeRequest) (payment.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.CreateErr != nil {
		return payment.Charge{}, f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("ch-%d", f.seq)
	f.charges[id] = payment.StatusReport{Status: orders.PaymentPending}
	ttl := f.TTL
	if req.ExpiresIn > 0 {
		ttl = req.ExpiresIn
	}
	return payment.Charge{ChargeID: id, QRPayload: "000201" + id, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

func (f *Fake) ChargeStatus(ctx context.Context, chargeID string) (payment.StatusReport, error) {
	f.mu.Lock()
	f.statusCalls++
	delay := f.StatusDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return payment.StatusReport{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return payment.StatusReport{}, f.StatusErr
	}
	r, ok := f.charges[chargeID]
	if !ok {
		return payment.StatusReport{}, &payment.StatusError{Code: 404, Body: "charge not found"}
	}
	return r, nil
}

// Set forces the provider-side status of a charge.
func (f *Fake) Set(chargeID string, status orders.PaymentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := payment.StatusReport{Status: status}
	if status == orders.PaymentPaid {
		now := time.Now().UTC()
		r.PaidAt = &now
	}
	f.charges[chargeID] = r
}

func (f *Fake) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *Fake) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
