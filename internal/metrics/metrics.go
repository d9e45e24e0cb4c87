// Package metrics holds the Prometheus collectors of the fulfillment engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storefront"

type Metrics struct {
	Requests       *prometheus.CounterVec
	LatencyMS      *prometheus.HistogramVec
	Checkouts      *prometheus.CounterVec
	Reconciles     *prometheus.CounterVec
	Shortfalls     prometheus.Counter
	GatewayCalls   *prometheus.CounterVec
	BreakerState   *prometheus.GaugeVec
	SweepDuePolled prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration on the default registry.
func New(service string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	service = strings.ReplaceAll(service, "-", "_")
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "reconcile_total",
			Help:      "Reconciliation attempts by trigger and resulting state.",
		}, []string{"trigger", "state"}),
		Shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "stock_shortfalls_total",
			Help:      "Decrements whose guard failed at materialization.",
		}),
		GatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "payment_gateway_calls_total",
			Help:      "Payment gateway calls by operation and result.",
		}, []string{"op", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "payment_breaker_state",
			Help:      "0 closed, 1 half-open, 2 open.",
		}, []string{"name"}),
		SweepDuePolled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: service,
			Name:      "sweep_polled_total",
			Help:      "Pending orders visited by the sweeper.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(m.Requests, m.LatencyMS, m.Checkouts, m.Reconciles, m.Shortfalls,
		m.GatewayCalls, m.BreakerState, m.SweepDuePolled)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(handler string, status int, start time.Time) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) Checkout(outcome string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reconcile(trigger, state string) {
	if m == nil {
		return
	}
	m.Reconciles.WithLabelValues(trigger, state).Inc()
}

func (m *Metrics) Shortfall(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Shortfalls.Add(float64(n))
}

func (m *Metrics) GatewayCall(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GatewayCalls.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Breaker(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) Swept(n int) {
	if m == nil {
		return
	}
	m.SweepDuePolled.Add(float64(n))
}
