package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/metrics"
	"github.com/sony/gobreaker/v2"
)

type HTTPConfig struct {
	BaseURL string
	Token   string
	// Timeout bounds each HTTP attempt, not the whole retry loop.
	Timeout         time.Duration
	StatusRetries   int
	RetryBackoff    time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Client          *http.Client
	Metrics         *metrics.Metrics
	Logger          *logging.Logger
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

// HTTPGateway speaks JSON to the provider:
//
//	POST {base}/charges       -> {"id","qr_payload","expires_at","status"}
//	GET  {base}/charges/{id}  -> {"id","status","paid_at"}
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
	retries int
	backoff time.Duration
	cb      *gobreaker.CircuitBreaker[[]byte]
	metrics *metrics.Metrics
	log     *logging.Logger
}

var _ Gateway = (*HTTPGateway)(nil)

func NewHTTPGateway(cfg HTTPConfig) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.StatusRetries < 0 {
		cfg.StatusRetries = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	g := &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  cfg.Client,
		timeout: cfg.Timeout,
		retries: cfg.StatusRetries,
		backoff: cfg.RetryBackoff,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	g.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.metrics.Breaker(name, float64(to))
			g.log.Log(logging.Fields{Step: "breaker", Status: to.String(), Message: name + " " + from.String() + " -> " + to.String()})
		},
		// caller mistakes and our own misconfiguration say nothing about provider health
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, ErrMisconfigured) {
				return true
			}
			var se *StatusError
			return errors.As(err, &se) && se.Code < 500
		},
	})
	return g
}

type createChargeBody struct {
	AmountCents      int64             `json:"amount_cents"`
	Description      string            `json:"description"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ExpiresInSeconds int64             `json:"expires_in_seconds,omitempty"`
}

type chargeResponse struct {
	ID        string     `json:"id"`
	QRPayload string     `json:"qr_payload"`
	ExpiresAt time.Time  `json:"expires_at"`
	Status    string     `json:"status"`
	PaidAt    *time.Time `json:"paid_at"`
}

// CreateCharge issues exactly one request. A timeout here leaves the charge
// state unknown, so it is never retried.
func (g *HTTPGateway) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if err := g.configured(); err != nil {
		return Charge{}, err
	}
	body, err := json.Marshal(createChargeBody{
		AmountCents:      req.AmountCents,
		Description:      req.Description,
		Metadata:         req.Metadata,
		ExpiresInSeconds: int64(req.ExpiresIn / time.Second),
	})
	if err != nil {
		return Charge{}, err
	}
	raw, err := g.do(ctx, http.MethodPost, "/charges", body)
	g.metrics.GatewayCall("create", err)
	if err != nil {
		return Charge{}, err
	}

	var resp chargeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Charge{}, fmt.Errorf("decode charge: %w", err)
	}
	if resp.ID == "" {
		return Charge{}, errors.New("invalid provider response: missing charge id")
	}
	c := Charge{ChargeID: resp.ID, QRPayload: resp.QRPayload, ExpiresAt: resp.ExpiresAt}
	if c.ExpiresAt.IsZero() && req.ExpiresIn > 0 {
		c.ExpiresAt = time.Now().UTC().Add(req.ExpiresIn)
	}
	return c, nil
}

// ChargeStatus retries transient failures with exponential backoff.
func (g *HTTPGateway) ChargeStatus(ctx context.Context, chargeID string) (StatusReport, error) {
	if err := g.configured(); err != nil {
		return StatusReport{}, err
	}
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, g.backoff<<(attempt-1)); err != nil {
				return StatusReport{}, err
			}
		}
		raw, err := g.do(ctx, http.MethodGet, "/charges/"+url.PathEscape(chargeID), nil)
		g.metrics.GatewayCall("status", err)
		if err == nil {
			var resp chargeResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return StatusReport{}, fmt.Errorf("decode charge status: %w", err)
			}
			return StatusReport{Status: NormalizeStatus(resp.Status), PaidAt: resp.PaidAt}, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	return StatusReport{}, lastErr
}

func (g *HTTPGateway) configured() error {
	switch {
	case g.baseURL == "":
		return fmt.Errorf("%w: PAYMENT_BASE_URL is empty", ErrMisconfigured)
	case g.token == "":
		return fmt.Errorf("%w: PAYMENT_TOKEN is empty", ErrMisconfigured)
	}
	return nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	return g.cb.Execute(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+g.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: credentials rejected by provider", ErrMisconfigured)
		case resp.StatusCode >= 300:
			return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(raw), 256)}
		}
		return raw, nil
	})
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrMisconfigured) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
