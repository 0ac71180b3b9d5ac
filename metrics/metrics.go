// Package metrics exposes Prometheus instruments for the reconciliation
// engine. A Recorder implements billing.Observer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/rxbilling/billing"
)

const (
	metricPrefix = "rxbilling_"

	resultSuccess    = "success"
	resultValidation = "rejected"
	resultError      = "error"
)

// Recorder owns the cascade instruments, registered on one registry.
type Recorder struct {
	gatherer prometheus.Gatherer

	cascadeTotal        *prometheus.CounterVec
	cascadeLatency      *prometheus.HistogramVec
	statementsRecompute *prometheus.CounterVec
}

var _ billing.Observer = (*Recorder)(nil)

// New registers the instruments on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the instruments on reg. Panics on duplicate
// registration, like prometheus.MustRegister.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Recorder {
	r := &Recorder{
		gatherer: gatherer,
		cascadeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cascade_total",
				Help: "Total ledger events run through the cascade by event and result",
			},
			[]string{"event", "result"},
		),
		cascadeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cascade_latency_seconds",
				Help:    "Cascade latency in seconds, validation included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		statementsRecompute: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statements_recomputed_total",
				Help: "Total statements recomputed by committed cascades",
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(r.cascadeTotal, r.cascadeLatency, r.statementsRecompute)
	return r
}

// MutationApplied counts one ledger event and observes its latency.
func (r *Recorder) MutationApplied(kind billing.EventKind, err error, elapsed time.Duration) {
	r.cascadeTotal.WithLabelValues(string(kind), resultLabel(err)).Inc()
	r.cascadeLatency.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// StatementsRecomputed adds n committed statement rewrites.
func (r *Recorder) StatementsRecomputed(kind billing.StatementKind, n int) {
	if n <= 0 {
		return
	}
	r.statementsRecompute.WithLabelValues(string(kind)).Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case billing.IsValidation(err):
		return resultValidation
	default:
		return resultError
	}
}
