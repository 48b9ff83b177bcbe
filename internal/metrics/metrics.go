package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service collectors.
type Metrics struct {
	Ingestions     *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	LiveIndexes    prometheus.Gauge
	LLMErrors      *prometheus.CounterVec
}

// New registers the collectors on reg. Passing a fresh registry keeps tests isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Ingestions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docassist_ingestions_total",
			Help: "Ingestion jobs by content type and outcome",
		}, []string{"content_type", "outcome"}),
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docassist_llm_request_duration_seconds",
			Help:    "Latency of query and summary requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		LiveIndexes: f.NewGauge(prometheus.GaugeOpts{
			Name: "docassist_live_indexes",
			Help: "Number of session indexes held in memory",
		}),
		LLMErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "docassist_llm_errors_total",
			Help: "Failed provider calls by operation",
		}, []string{"operation"}),
	}
}

// Nop returns collectors bound to a private registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
