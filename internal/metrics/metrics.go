// Package metrics registers the gateway's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the admission pipeline and the
// backend transports.
type Metrics struct {
	// Admission metrics
	AdmissionsTotal *prometheus.CounterVec
	DenialsTotal    *prometheus.CounterVec
	ShadowDenials   *prometheus.CounterVec

	// Credit metrics
	CreditsCharged  prometheus.Counter
	CreditsRefunded prometheus.Counter
	KeyBalance      *prometheus.GaugeVec

	// Backend metrics
	ForwardDuration *prometheus.HistogramVec
	ForwardErrors   *prometheus.CounterVec
}

// New creates and registers all metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_admissions_total",
				Help: "Tool calls admitted and charged",
			},
			[]string{"tool"},
		),
		DenialsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_denials_total",
				Help: "Tool calls denied at admission",
			},
			[]string{"reason"},
		),
		ShadowDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_shadow_denials_total",
				Help: "Denials observed but not enforced in shadow mode",
			},
			[]string{"reason"},
		),
		CreditsCharged: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcpgate_credits_charged_total",
				Help: "Credits charged across all keys",
			},
		),
		CreditsRefunded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mcpgate_credits_refunded_total",
				Help: "Credits refunded after downstream failures",
			},
		),
		KeyBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpgate_key_balance",
				Help: "Current credit balance per key",
			},
			[]string{"key"},
		),
		ForwardDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgate_backend_forward_seconds",
				Help:    "Backend round-trip latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		ForwardErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgate_backend_forward_errors_total",
				Help: "Backend forwards that returned a transport or RPC error",
			},
			[]string{"backend"},
		),
	}
}
