// Package reconcile drives pending orders to a terminal state. Status
// polls, payment webhooks, the sweeper and the admin override all go
// through the same Machine, so a payment is applied to exactly one order
// however it is observed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/notify"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment"
	"golang.org/x/sync/singleflight"
)

// Triggers label who asked for a reconciliation.
const (
	TriggerPoll    = "poll"
	TriggerWebhook = "webhook"
	TriggerSweep   = "sweep"
	TriggerAdmin   = "admin"
)

type Store interface {
	orders.PendingLedger
	orders.OrderStore
	orders.Materializer
}

type Result struct {
	State   orders.ReconcileState
	Pending orders.PendingOrder
	// Order is set once State is materialized.
	Order *orders.Order
	// AlreadyMaterialized reports that another trigger created the order.
	AlreadyMaterialized bool
}

type Options struct {
	GatewayTimeout time.Duration
	Notifier       notify.Notifier
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
	Now            func() time.Time
}

type Machine struct {
	store   Store
	gateway payment.Gateway
	group   singleflight.Group
	opt     Options
}

func NewMachine(store Store, gw payment.Gateway, opt Options) *Machine {
	if opt.GatewayTimeout <= 0 {
		opt.GatewayTimeout = 10 * time.Second
	}
	if opt.Notifier == nil {
		opt.Notifier = notify.Nop{}
	}
	if opt.Now == nil {
		opt.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{store: store, gateway: gw, opt: opt}
}

// Poll is the buyer's status check.
func (m *Machine) Poll(ctx context.Context, pendingID string) (Result, error) {
	return m.Reconcile(ctx, pendingID, TriggerPoll)
}

// PollCharge reconciles the pending order behind a charge id.
func (m *Machine) PollCharge(ctx context.Context, chargeID, trigger string) (Result, error) {
	p, err := m.store.GetPendingByCharge(ctx, chargeID)
	if err != nil {
		return Result{}, err
	}
	return m.Reconcile(ctx, p.ID, trigger)
}

// Reconcile runs one attempt. Concurrent calls for the same pending order
// in this process share a single attempt.
func (m *Machine) Reconcile(ctx context.Context, pendingID, trigger string) (Result, error) {
	v, err, _ := m.group.Do("reconcile:"+pendingID, func() (any, error) {
		return m.reconcile(ctx, pendingID, trigger)
	})
	res, _ := v.(Result)
	return res, err
}

func (m *Machine) reconcile(ctx context.Context, pendingID, trigger string) (Result, error) {
	start := time.Now()
	p, err := m.store.GetPending(ctx, pendingID)
	if err != nil {
		return Result{}, err
	}
	if p.State().IsTerminal() {
		return m.settled(ctx, p)
	}

	now := m.opt.Now()
	if p.DeadlinePassed(now) {
		return m.close(ctx, p, orders.PaymentExpired, trigger)
	}

	pay := orders.PaymentRecord{Status: orders.PaymentPaid}
	if p.PaymentStatus != orders.PaymentPaid {
		report, err := m.chargeStatus(ctx, p.ChargeID)
		if err != nil {
			m.opt.Metrics.Reconcile(trigger, "gateway_error")
			m.opt.Logger.Err(logging.Fields{Step: "charge_status", PendingID: p.ID, ChargeID: p.ChargeID, Message: trigger}, err)
			return Result{State: p.State(), Pending: p}, &orders.GatewayError{
				Op:            "charge_status",
				Err:           err,
				Configuration: errors.Is(err, payment.ErrMisconfigured),
			}
		}
		switch {
		case report.Status == orders.PaymentPaid:
			pay.PaidAt = report.PaidAt
		case report.Status.IsTerminalFailure():
			return m.close(ctx, p, report.Status, trigger)
		default:
			m.opt.Metrics.Reconcile(trigger, string(orders.StatePending))
			return Result{State: orders.StatePending, Pending: p}, nil
		}
	}

	res, err := m.materialize(ctx, p, pay, trigger)
	if err == nil {
		m.opt.Logger.Log(logging.Since(logging.Fields{
			Step:      "reconcile",
			Status:    string(res.State),
			PendingID: p.ID,
			OrderID:   res.Order.ID,
			ChargeID:  p.ChargeID,
			Message:   trigger,
		}, start))
	}
	return res, err
}

func (m *Machine) chargeStatus(ctx context.Context, chargeID string) (payment.StatusReport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opt.GatewayTimeout)
	defer cancel()
	return m.gateway.ChargeStatus(ctx, chargeID)
}

func (m *Machine) materialize(ctx context.Context, p orders.PendingOrder, pay orders.PaymentRecord, trigger string) (Result, error) {
	out, err := m.store.Materialize(ctx, orders.MaterializeInput{PendingID: p.ID, Payment: pay, Now: m.opt.Now()})
	if errors.Is(err, orders.ErrExpired) || errors.Is(err, orders.ErrFailed) {
		cur, getErr := m.store.GetPending(ctx, p.ID)
		if getErr != nil {
			return Result{Pending: p}, err
		}
		if p.PaymentStatus == orders.PaymentPending && cur.PaymentStatus == orders.PaymentExpired {
			// Materialize sendiri yang menandai expired
			m.closed(ctx, cur, trigger)
		}
		return Result{State: cur.State(), Pending: cur}, err
	}
	if err != nil {
		m.opt.Metrics.Reconcile(trigger, "store_error")
		return Result{State: p.State(), Pending: p}, fmt.Errorf("materialize %s: %w", p.ID, err)
	}

	o := out.Order
	p.OrderID = o.ID
	if pay.Status == orders.PaymentPaid {
		p.PaymentStatus = orders.PaymentPaid
	}
	if out.Existed {
		m.opt.Metrics.Reconcile(trigger, "already_materialized")
	} else {
		m.opt.Metrics.Reconcile(trigger, string(orders.StateMaterialized))
		m.opt.Metrics.Shortfall(len(o.Shortfalls))
		if o.NeedsReview {
			m.opt.Logger.Log(logging.Fields{Step: "needs_review", Status: "flagged", OrderID: o.ID, ChargeID: o.Payment.ChargeID, Message: fmt.Sprint(o.ReviewReasons)})
		}
		m.opt.Notifier.OrderConfirmed(ctx, o)
	}
	return Result{State: orders.StateMaterialized, Pending: p, Order: &o, AlreadyMaterialized: out.Existed}, nil
}

// close moves a pending row to expired or failed. Losing the compare and
// swap means another trigger settled the row first.
func (m *Machine) close(ctx context.Context, p orders.PendingOrder, to orders.PaymentStatus, trigger string) (Result, error) {
	swapped, err := m.store.SetPaymentStatus(ctx, p.ID, orders.PaymentPending, to)
	if err != nil {
		return Result{State: p.State(), Pending: p}, err
	}
	if !swapped {
		cur, err := m.store.GetPending(ctx, p.ID)
		if err != nil {
			return Result{State: p.State(), Pending: p}, err
		}
		return m.settled(ctx, cur)
	}
	p.PaymentStatus = to
	m.closed(ctx, p, trigger)
	return Result{State: p.State(), Pending: p}, terminalErr(p.State())
}

func (m *Machine) closed(ctx context.Context, p orders.PendingOrder, trigger string) {
	m.opt.Metrics.Reconcile(trigger, string(p.State()))
	m.opt.Logger.Log(logging.Fields{Step: "reconcile", Status: string(p.State()), PendingID: p.ID, ChargeID: p.ChargeID, Message: trigger})
	m.opt.Notifier.PendingClosed(ctx, p)
}

// settled reports a row some earlier attempt already finished with.
func (m *Machine) settled(ctx context.Context, p orders.PendingOrder) (Result, error) {
	res := Result{State: p.State(), Pending: p}
	switch res.State {
	case orders.StateMaterialized:
		o, err := m.store.GetOrder(ctx, p.OrderID)
		if err != nil {
			return res, err
		}
		res.Order = &o
		res.AlreadyMaterialized = true
		return res, nil
	case orders.StatePending, orders.StatePaid:
		return res, nil
	}
	return res, terminalErr(res.State)
}

func terminalErr(s orders.ReconcileState) error {
	switch s {
	case orders.StateExpired:
		return orders.ErrExpired
	case orders.StateFailed:
		return orders.ErrFailed
	}
	return nil
}
