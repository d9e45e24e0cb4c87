package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(srv *httptest.Server, mutate ...func(*HTTPConfig)) *HTTPGateway {
	cfg := HTTPConfig{
		BaseURL:       srv.URL,
		Token:         "secret",
		Timeout:       time.Second,
		StatusRetries: 2,
		RetryBackoff:  time.Millisecond,
		Client:        srv.Client(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewHTTPGateway(cfg)
}

func TestCreateCharge_Success(t *testing.T) {
	var got createChargeBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/charges", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"tx-1","qr_payload":"000201abc","expires_at":"2026-03-01T12:30:00Z","status":"ATIVA"}`))
	}))
	defer srv.Close()

	g := newTestGateway(srv)
	c, err := g.CreateCharge(context.Background(), ChargeRequest{
		AmountCents: 4590,
		Description: "Pedido - 2 item(ns)",
		Metadata:    map[string]string{"user_id": "u1"},
		ExpiresIn:   30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", c.ChargeID)
	assert.Equal(t, "000201abc", c.QRPayload)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC), c.ExpiresAt.UTC())
	assert.Equal(t, int64(4590), got.AmountCents)
	assert.Equal(t, int64(1800), got.ExpiresInSeconds)
	assert.Equal(t, "u1", got.Metadata["user_id"])
}

func TestCreateCharge_NeverRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestGateway(srv).CreateCharge(context.Background(), ChargeRequest{AmountCents: 100})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateCharge_MissingChargeID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"qr_payload":"x"}`))
	}))
	defer srv.Close()

	_, err := newTestGateway(srv).CreateCharge(context.Background(), ChargeRequest{AmountCents: 100})
	assert.ErrorContains(t, err, "missing charge id")
}

func TestGateway_Misconfigured(t *testing.T) {
	g := NewHTTPGateway(HTTPConfig{BaseURL: "http://example.invalid"})
	_, err := g.CreateCharge(context.Background(), ChargeRequest{AmountCents: 100})
	assert.ErrorIs(t, err, ErrMisconfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	_, err = newTestGateway(srv).ChargeStatus(context.Background(), "tx-1")
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestChargeStatus_RetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/charges/tx-1", r.URL.Path)
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"tx-1","status":"CONCLUIDA","paid_at":"2026-03-01T12:10:00Z"}`))
	}))
	defer srv.Close()

	rep, err := newTestGateway(srv).ChargeStatus(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, orders.PaymentPaid, rep.Status)
	require.NotNil(t, rep.PaidAt)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChargeStatus_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestGateway(srv).ChargeStatus(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := newTestGateway(srv, func(c *HTTPConfig) {
		c.StatusRetries = 0
		c.BreakerFailures = 3
		c.BreakerCooldown = time.Minute
	})
	for i := 0; i < 3; i++ {
		_, err := g.ChargeStatus(context.Background(), "tx-1")
		require.Error(t, err)
	}
	_, err := g.ChargeStatus(context.Background(), "tx-1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	g := newTestGateway(srv, func(c *HTTPConfig) { c.BreakerFailures = 2 })
	for i := 0; i < 5; i++ {
		_, err := g.CreateCharge(context.Background(), ChargeRequest{AmountCents: 1})
		var se *StatusError
		require.True(t, errors.As(err, &se), "attempt %d: %v", i, err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, orders.PaymentPaid, NormalizeStatus("paid"))
	assert.Equal(t, orders.PaymentPaid, NormalizeStatus("CONCLUIDA"))
	assert.Equal(t, orders.PaymentPending, NormalizeStatus("ATIVA"))
	assert.Equal(t, orders.PaymentExpired, NormalizeStatus("expired"))
	assert.Equal(t, orders.PaymentFailed, NormalizeStatus("REMOVIDA_PELO_PSP"))
	assert.Equal(t, orders.PaymentPending, NormalizeStatus("???"))
}
