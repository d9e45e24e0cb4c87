package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/memstore"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment/paymenttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mug = orders.StockTarget{Kind: orders.TargetProduct, ProductID: "mug"}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recorder struct {
	mu        sync.Mutex
	confirmed []orders.Order
	closed    []orders.PendingOrder
}

func (r *recorder) OrderConfirmed(_ context.Context, o orders.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, o)
}

func (r *recorder) PendingClosed(_ context.Context, p orders.PendingOrder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, p)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.confirmed), len(r.closed)
}

type fixture struct {
	store *memstore.Store
	gw    *paymenttest.Fake
	clock *clock
	note  *recorder
	m     *Machine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		gw:    paymenttest.New(),
		clock: &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
		note:  &recorder{},
	}
	f.store.PutProduct(orders.Product{ID: "mug", Name: "Caneca", PriceCents: 3000, Stock: 5, Active: true})
	f.m = NewMachine(f.store, f.gw, Options{
		GatewayTimeout: time.Second,
		Notifier:       f.note,
		Now:            f.clock.Now,
	})
	return f
}

// pending writes a pending order for one mug expiring in ttl.
func (f *fixture) pending(t *testing.T, ttl time.Duration) orders.PendingOrder {
	t.Helper()
	ch, err := f.gw.CreateCharge(context.Background(), payment.ChargeRequest{AmountCents: 3000})
	require.NoError(t, err)
	p := orders.PendingOrder{
		UserID:        "u1",
		Items:         []orders.LineItem{{ProductID: "mug", Name: "Caneca", UnitPriceCents: 3000, Qty: 1}},
		Plan:          []orders.Decrement{{Target: mug, Qty: 1}},
		SubtotalCents: 3000,
		TotalCents:    3000,
		ChargeID:      ch.ChargeID,
		QRPayload:     ch.QRPayload,
		ExpiresAt:     f.clock.Now().Add(ttl),
		CreatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.store.CreatePending(context.Background(), &p))
	f.clock.Advance(time.Second)
	return p
}

func TestPoll_PendingStaysPending(t *testing.T) {
	f := setup(t)
	p := f.pending(t, 30*time.Minute)

	res, err := f.m.Poll(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatePending, res.State)
	assert.Nil(t, res.Order)
	assert.Equal(t, 5, f.store.Stock(mug))
}

func TestPoll_PaidMaterializesOnce(t *testing.T) {
	f := setup(t)
	p := f.pending(t, 30*time.Minute)
	f.gw.Set(p.ChargeID, orders.PaymentPaid)

	res, err := f.m.Poll(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StateMaterialized, res.State)
	require.NotNil(t, res.Order)
	assert.False(t, res.AlreadyMaterialized)
	assert.Equal(t, orders.PaymentPaid, res.Order.Payment.Status)
	assert.NotNil(t, res.Order.Payment.PaidAt)
	assert.Equal(t, 4, f.store.Stock(mug))

	again, err := f.m.Poll(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyMaterialized)
	assert.Equal(t, res.Order.ID, again.Order.ID)
	assert.Equal(t, 4, f.store.Stock(mug))

	confirmed, _ := f.note.counts()
	assert.Equal(t, 1, confirmed)

	pending, err := f.store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPoll_ConcurrentTriggersCreateOneOrder(t *testing.T) {
	f := setup(t)
	f.gw.StatusDelay = 20 * time.Millisecond
	p := f.pending(t, 30*time.Minute)
	f.gw.Set(p.ChargeID, orders.PaymentPaid)

	triggers := []string{TriggerPoll, TriggerWebhook, TriggerSweep}
	var wg sync.WaitGroup
	ids := make(chan string, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.m.Reconcile(context.Background(), p.ID, triggers[i%len(triggers)])
			if assert.NoError(t, err) && assert.NotNil(t, res.Order) {
				ids <- res.Order.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	all, err := f.store.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 4, f.store.Stock(mug))
	confirmed, _ := f.note.counts()
	assert.Equal(t, 1, confirmed)
}

func TestConfirmRacingPollCreatesOneOrder(t *testing.T) {
	f := setup(t)
	f.gw.StatusDelay = 5 * time.Millisecond
	p := f.pending(t, 30*time.Minute)
	f.gw.Set(p.ChargeID, orders.PaymentPaid)

	// confirm dan poll tidak berbagi key singleflight; hanya store yang menjaga
	var wg sync.WaitGroup
	ids := make(chan string, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			res, err := f.m.Confirm(context.Background(), p.ID)
			if assert.NoError(t, err) && assert.NotNil(t, res.Order) {
				ids <- res.Order.ID
			}
		}()
		go func() {
			defer wg.Done()
			res, err := f.m.Poll(context.Background(), p.ID)
			if assert.NoError(t, err) && assert.NotNil(t, res.Order) {
				ids <- res.Order.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)

	all, err := f.store.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, orders.PaymentPaid, all[0].Payment.Status)
	assert.Equal(t, 4, f.store.Stock(mug))
	confirmed, _ := f.note.counts()
	assert.Equal(t, 1, confirmed)
}

func TestPoll_LatePaidNeverMaterializes(t *testing.T) {
	f := setup(t)
	p := f.pending(t, time.Minute)
	f.clock.Advance(2 * time.Minute)
	f.gw.Set(p.ChargeID, orders.PaymentPaid)

	res, err := f.m.Poll(context.Background(), p.ID)
	assert.ErrorIs(t, err, orders.ErrExpired)
	assert.Equal(t, orders.StateExpired, res.State)
	assert.Equal(t, 0, f.gw.StatusCalls(), "deadline is checked before the gateway")

	res, err = f.m.Poll(context.Background(), p.ID)
	assert.ErrorIs(t, err, orders.ErrExpired)
	assert.Nil(t, res.Order)

	all, _ := f.store.ListOrders(context.Background())
	assert.Empty(t, all)
	assert.Equal(t, 5, f.store.Stock(mug))

	_, closed := f.note.counts()
	assert.Equal(t, 1, closed)
}

func TestPoll_GatewayTerminalStatuses(t *testing.T) {
	cases := []struct {
		status orders.PaymentStatus
		want   error
		state  orders.ReconcileState
	}{
		{orders.PaymentExpired, orders.ErrExpired, orders.StateExpired},
		{orders.PaymentFailed, orders.ErrFailed, orders.StateFailed},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			f := setup(t)
			p := f.pending(t, 30*time.Minute)
			f.gw.Set(p.ChargeID, tc.status)

			res, err := f.m.Poll(context.Background(), p.ID)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.state, res.State)

			stored, err := f.store.GetPending(context.Background(), p.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, stored.PaymentStatus)

			// provider berubah pikiran; tetap tidak jadi order
			f.gw.Set(p.ChargeID, orders.PaymentPaid)
			_, err = f.m.Poll(context.Background(), p.ID)
			assert.ErrorIs(t, err, tc.want)
			all, _ := f.store.ListOrders(context.Background())
			assert.Empty(t, all)
		})
	}
}

func TestPoll_GatewayErrorLeavesPending(t *testing.T) {
	f := setup(t)
	p := f.pending(t, 30*time.Minute)
	f.gw.StatusErr = errors.New("timeout")

	res, err := f.m.Poll(context.Background(), p.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, orders.ErrPaymentGateway)
	assert.Equal(t, orders.StatePending, res.State)

	stored, _ := f.store.GetPending(context.Background(), p.ID)
	assert.Equal(t, orders.PaymentPending, stored.PaymentStatus)
}

func TestPoll_UnknownPending(t *testing.T) {
	f := setup(t)
	_, err := f.m.Poll(context.Background(), "nope")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestPollCharge(t *testing.T) {
	f := setup(t)
	p := f.pending(t, 30*time.Minute)
	f.gw.Set(p.ChargeID, orders.PaymentPaid)

	res, err := f.m.PollCharge(context.Background(), p.ChargeID, TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, p.ID, res.Pending.ID)
	assert.Equal(t, orders.StateMaterialized, res.State)
}

func TestConfirm_UnpaidOverride(t *testing.T) {
	f := setup(t)
	p := f.pending(t, 30*time.Minute)

	res, err := f.m.Confirm(context.Background(), p.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.Equal(t, orders.PaymentPending, res.Order.Payment.Status)
	assert.Equal(t, 4, f.store.Stock(mug))

	pending, _ := f.store.ListPending(context.Background())
	assert.Empty(t, pending, "confirmed rows leave the pending listing")

	// polling afterwards returns the same order
	again, err := f.m.Poll(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyMaterialized)
	assert.Equal(t, res.Order.ID, again.Order.ID)
}

func TestConfirm_UsesGatewayPaid(t *testing.T) {
	f := setup(t)
	p := f.pending(t, 30*time.Minute)
	f.gw.Set(p.ChargeID, orders.PaymentPaid)

	res, err := f.m.Confirm(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPaid, res.Order.Payment.Status)
}

func TestConfirm_GatewayDownStillConfirms(t *testing.T) {
	f := setup(t)
	p := f.pending(t, 30*time.Minute)
	f.gw.StatusErr = errors.New("connection refused")

	res, err := f.m.Confirm(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPending, res.Order.Payment.Status)
}

func TestConfirm_RejectsExpired(t *testing.T) {
	f := setup(t)
	p := f.pending(t, time.Minute)
	f.clock.Advance(time.Hour)

	_, err := f.m.Poll(context.Background(), p.ID)
	require.ErrorIs(t, err, orders.ErrExpired)

	_, err = f.m.Confirm(context.Background(), p.ID)
	assert.ErrorIs(t, err, orders.ErrExpired)
	assert.Equal(t, 5, f.store.Stock(mug))
}

func TestConfirm_OverduePendingExpiresInsteadOfMaterializing(t *testing.T) {
	f := setup(t)
	p := f.pending(t, time.Minute)
	f.clock.Advance(time.Hour)

	res, err := f.m.Confirm(context.Background(), p.ID)
	assert.ErrorIs(t, err, orders.ErrExpired)
	assert.Equal(t, orders.StateExpired, res.State)
	_, closed := f.note.counts()
	assert.Equal(t, 1, closed)
}
