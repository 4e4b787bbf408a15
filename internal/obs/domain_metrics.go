package obs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// ChargeCreateTotal counts charge creation outcomes per provider.
	ChargeCreateTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound webhook outcomes (ingested, invalid_payload, unknown_provider, store_error).
	PaymentWebhookTotal *prometheus.CounterVec
	// StatusPollTotal counts fallback polls against the provider.
	StatusPollTotal *prometheus.CounterVec
	// StatusTransitionTotal counts accepted status transitions.
	StatusTransitionTotal *prometheus.CounterVec
	// DeliverableReleaseTotal counts release side effects by result.
	DeliverableReleaseTotal *prometheus.CounterVec
	// ProviderCallLatency records outbound provider call latency in milliseconds.
	ProviderCallLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises the package-level collectors once per
// process. They stay nil until then, so use Inc or a nil check.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		counter := func(name, help string, labels ...string) *prometheus.CounterVec {
			return register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace, Name: name, Help: help,
			}, labels))
		}
		ChargeCreateTotal = counter("charge_create_total", "Count of charge creation outcomes.", "provider", "result")
		PaymentWebhookTotal = counter("payment_webhook_total", "Count of processed payment webhooks by outcome.", "provider", "result")
		StatusPollTotal = counter("status_poll_total", "Count of fallback status polls against the provider.", "provider", "result")
		StatusTransitionTotal = counter("status_transition_total", "Count of accepted charge status transitions.", "from", "to")
		DeliverableReleaseTotal = counter("deliverable_release_total", "Count of deliverable release side effects by result.", "result")
		ProviderCallLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_ms",
			Help:      "Latency of outbound payment provider calls in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation"}))
	})
}

// Inc increments vec for labels when vec has been registered.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// register adds c to reg. When an identical collector is already registered
// the existing one is returned so repeated setup shares series.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
		return c
	}
	panic(fmt.Errorf("register metric: %w", err))
}
