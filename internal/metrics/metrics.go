// Package metrics exposes Prometheus collectors for settlement and the HTTP API.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple engines do not collide.
type Metrics struct {
	registry *prometheus.Registry

	purchases   *prometheus.CounterVec
	withdrawals *prometheus.CounterVec
	totalSold   prometheus.Gauge
	stage       prometheus.Gauge
	unitPrice   prometheus.Gauge
	quoteOK     *prometheus.GaugeVec
	snapshots   *prometheus.CounterVec
	requests    *prometheus.CounterVec
	durations   *prometheus.HistogramVec
}

// New registers every collector under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "presale"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase attempts by payment asset and outcome code.",
		}, []string{"asset", "code"}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Treasury withdrawals by asset.",
		}, []string{"asset"}),
		totalSold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_sold_tokens",
			Help:      "Cumulative sale units delivered, in whole tokens.",
		}),
		stage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage",
			Help:      "Zero-based active stage, -1 when the sale is not active.",
		}),
		unitPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_price_cents",
			Help:      "Current unit price in reference-currency cents.",
		}),
		quoteOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oracle_quote_ok",
			Help:      "1 when the last sampled quote for the asset succeeded, 0 otherwise.",
		}, []string{"asset"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_snapshots_total",
			Help:      "Sampled price snapshots by asset and status.",
		}, []string{"asset", "status"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by the API.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.purchases,
		m.withdrawals,
		m.totalSold,
		m.stage,
		m.unitPrice,
		m.quoteOK,
		m.snapshots,
		m.requests,
		m.durations,
	)
	m.stage.Set(-1)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePurchase counts a purchase outcome. code is "OK" on success.
func (m *Metrics) ObservePurchase(asset, code string) {
	m.purchases.WithLabelValues(asset, code).Inc()
}

// ObserveWithdrawal counts a withdrawal.
func (m *Metrics) ObserveWithdrawal(asset string) {
	m.withdrawals.WithLabelValues(asset).Inc()
}

// SetTotalSold records cumulative sold whole tokens.
func (m *Metrics) SetTotalSold(tokens float64) { m.totalSold.Set(tokens) }

// SetStage records the active stage and its price; pass active=false outside the window.
func (m *Metrics) SetStage(active bool, stage int, priceCents float64) {
	if !active {
		m.stage.Set(-1)
		m.unitPrice.Set(0)
		return
	}
	m.stage.Set(float64(stage))
	m.unitPrice.Set(priceCents)
}

// ObserveSnapshot counts a sampled snapshot and tracks quote health.
func (m *Metrics) ObserveSnapshot(asset, status string) {
	m.snapshots.WithLabelValues(asset, status).Inc()
	ok := 0.0
	if status == "complete" {
		ok = 1
	}
	m.quoteOK.WithLabelValues(asset).Set(ok)
}

// Middleware records request counts and latency under route.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			m.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
