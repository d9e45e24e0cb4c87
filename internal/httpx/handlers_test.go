package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/memstore"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/payment/paymenttest"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/reconcile"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	router *chi.Mux
	store  *memstore.Store
	gw     *paymenttest.Fake
	mr     *miniredis.Miniredis
}

func setup(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	store.PutProduct(orders.Product{ID: "mug", Name: "Caneca", PriceCents: 3000, Stock: 5, Active: true})
	gw := paymenttest.New()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	m := metrics.New("test", prometheus.NewRegistry())
	svc := checkout.NewService(store, gw, checkout.Options{Metrics: m})
	machine := reconcile.NewMachine(store, gw, reconcile.Options{Metrics: m})

	r := NewRouter(m)
	(&CheckoutHandler{Service: svc, Machine: machine, Ledger: store, Redis: rdb}).Register(r)
	(&OrdersHandler{Store: store}).Register(r)
	(&AdminHandler{Store: store, Machine: machine}).Register(r)
	(&WebhookHandler{Machine: machine, Service: "test"}).Register(r)
	return &env{router: r, store: store, gw: gw, mr: mr}
}

func (e *env) do(t *testing.T, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func cart(qty int) map[string]any {
	return map[string]any{
		"items":    []map[string]any{{"product_id": "mug", "qty": qty, "checked": true}},
		"shipping": map[string]any{"type": "pickup"},
	}
}

func (e *env) checkout(t *testing.T, user string, qty int) CheckoutResp {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/checkout", user, cart(qty))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp CheckoutResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCheckout_Created(t *testing.T) {
	e := setup(t)
	resp := e.checkout(t, "u1", 2)

	assert.NotEmpty(t, resp.PendingID)
	assert.NotEmpty(t, resp.QRPayload)
	assert.False(t, resp.ExpiresAt.IsZero())
	assert.Equal(t, int64(6000), resp.Summary.GrandTotalCents)
	assert.Equal(t, "Retirada no local", resp.Summary.Shipping.ServiceName)
}

func TestCheckout_Errors(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/checkout", "", cart(1))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/checkout", "u1", cart(9))
	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Lines, 1)
	assert.Equal(t, 5, *body.Lines[0].Available)
	assert.Equal(t, 9, *body.Lines[0].Requested)

	rec = e.do(t, http.MethodPost, "/checkout", "u1", map[string]any{"items": []any{}, "shipping": map[string]any{"type": "pickup"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.gw.CreateErr = errors.New("dial tcp 10.0.0.1:443: i/o timeout")
	rec = e.do(t, http.MethodPost, "/checkout", "u1", cart(1))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestCheckout_IdempotencyKeyReplays(t *testing.T) {
	e := setup(t)

	first := e.do(t, http.MethodPost, "/checkout", "u1", cart(1), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, first.Code)
	second := e.do(t, http.MethodPost, "/checkout", "u1", cart(1), "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, e.gw.CreateCalls())
}

func TestCheckout_FailedRequestFreesIdempotencyKey(t *testing.T) {
	e := setup(t)
	e.gw.CreateErr = errors.New("boom")
	rec := e.do(t, http.MethodPost, "/checkout", "u1", cart(1), "Idempotency-Key", "k")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	e.gw.CreateErr = nil
	rec = e.do(t, http.MethodPost, "/checkout", "u1", cart(1), "Idempotency-Key", "k")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestPendingStatus(t *testing.T) {
	e := setup(t)
	resp := e.checkout(t, "u1", 1)
	path := "/checkout/pending/" + resp.PendingID + "/status"

	rec := e.do(t, http.MethodGet, path, "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, path, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st StatusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "pending", st.State)

	e.gw.Set(resp.ChargeID, orders.PaymentPaid)
	rec = e.do(t, http.MethodGet, path, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "materialized", st.State)
	assert.NotEmpty(t, st.OrderID)
	assert.Equal(t, "paid", st.PaymentStatus)
	assert.True(t, e.mr.Exists("pending_status:"+resp.PendingID))

	mine := e.do(t, http.MethodGet, "/orders/mine", "u1", nil)
	require.Equal(t, http.StatusOK, mine.Code)
	var list []OrderResp
	require.NoError(t, json.Unmarshal(mine.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, st.OrderID, list[0].ID)
}

func TestPendingStatus_ExpiredIsGone(t *testing.T) {
	e := setup(t)
	p := orders.PendingOrder{UserID: "u1", ChargeID: "ch-old", PaymentStatus: orders.PaymentPending, ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, e.store.CreatePending(context.Background(), &p))

	rec := e.do(t, http.MethodGet, "/checkout/pending/"+p.ID+"/status", "u1", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"expired"`)
}

func TestAdmin_ConfirmAndStatus(t *testing.T) {
	e := setup(t)
	resp := e.checkout(t, "u1", 1)

	rec := e.do(t, http.MethodGet, "/admin/pending", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resp.PendingID)

	// order belum ada; id pending tidak boleh dipakai untuk update status
	rec = e.do(t, http.MethodPut, "/admin/orders/"+resp.PendingID+"/status", "", UpdateStatusReq{Status: "picking"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/admin/pending/"+resp.PendingID+"/confirm", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conf ConfirmResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conf))
	assert.Equal(t, orders.PaymentPending, conf.Order.Payment.Status)

	rec = e.do(t, http.MethodGet, "/admin/pending", "", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = e.do(t, http.MethodPut, "/admin/orders/"+conf.Order.ID+"/status", "", UpdateStatusReq{Status: "picking", DeliveryEstimate: "3 dias"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"delivery_estimate":"3 dias"`)

	rec = e.do(t, http.MethodPut, "/admin/orders/"+conf.Order.ID+"/status", "", UpdateStatusReq{Status: "delivered"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPut, "/admin/orders/"+conf.Order.ID+"/status", "", UpdateStatusReq{Status: "lost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/admin/orders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), conf.Order.ID)
}

func TestWebhook_InlineReconcile(t *testing.T) {
	e := setup(t)
	resp := e.checkout(t, "u1", 1)
	e.gw.Set(resp.ChargeID, orders.PaymentPaid)

	rec := e.do(t, http.MethodPost, "/webhooks/payments", "", map[string]string{"id": resp.ChargeID, "status": "CONCLUIDA"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "materialized")

	rec = e.do(t, http.MethodPost, "/webhooks/payments", "", map[string]string{"charge_id": "unknown"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodPost, "/webhooks/payments", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type capturePublisher struct{ values [][]byte }

func (c *capturePublisher) Publish(_, value []byte, _ ...kafkago.Header) error {
	c.values = append(c.values, value)
	return nil
}

func TestWebhook_ForwardsToKafka(t *testing.T) {
	pub := &capturePublisher{}
	r := chi.NewRouter()
	(&WebhookHandler{Producer: pub, Service: "api"}).Register(r)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{"event_id":"evt-1","charge_id":"ch-1","status":"paid"}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.values, 1)
	var got orders.Envelope
	require.NoError(t, json.Unmarshal(pub.values[0], &got))
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, orders.EventChargeUpdated, got.EventType)
	assert.Equal(t, "ch-1", got.CorrelationID)
}

func TestHealthAndMetrics(t *testing.T) {
	e := setup(t)
	e.checkout(t, "u1", 1)

	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "storefront_test_checkouts_total")
	assert.Contains(t, rec.Body.String(), `handler="POST /checkout"`)
}
