package reconcile

import (
	"context"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
)

// Confirm is the admin override. It materializes through the same path as
// a paid poll. When neither the stored row nor the gateway says paid, the
// order is created with payment status pending so the snapshot stays
// honest. Expired and failed rows cannot be confirmed.
func (m *Machine) Confirm(ctx context.Context, pendingID string) (Result, error) {
	v, err, _ := m.group.Do("confirm:"+pendingID, func() (any, error) {
		return m.confirm(ctx, pendingID)
	})
	res, _ := v.(Result)
	return res, err
}

func (m *Machine) confirm(ctx context.Context, pendingID string) (Result, error) {
	start := time.Now()
	p, err := m.store.GetPending(ctx, pendingID)
	if err != nil {
		return Result{}, err
	}
	if p.State().IsTerminal() {
		return m.settled(ctx, p)
	}

	pay := orders.PaymentRecord{Status: orders.PaymentPending}
	if p.PaymentStatus == orders.PaymentPaid {
		pay.Status = orders.PaymentPaid
	} else {
		report, err := m.chargeStatus(ctx, p.ChargeID)
		switch {
		case err != nil:
			// admin tetap boleh konfirmasi walau provider tidak bisa dihubungi
			m.opt.Logger.Err(logging.Fields{Step: "charge_status", PendingID: p.ID, ChargeID: p.ChargeID, Message: TriggerAdmin}, err)
		case report.Status == orders.PaymentPaid:
			pay = orders.PaymentRecord{Status: orders.PaymentPaid, PaidAt: report.PaidAt}
		}
	}

	res, err := m.materialize(ctx, p, pay, TriggerAdmin)
	if err != nil {
		return res, err
	}
	m.opt.Logger.Log(logging.Since(logging.Fields{
		Step:      "admin_confirm",
		Status:    string(pay.Status),
		PendingID: p.ID,
		OrderID:   res.Order.ID,
		ChargeID:  p.ChargeID,
	}, start))
	return res, nil
}
