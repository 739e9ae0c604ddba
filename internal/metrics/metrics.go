package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the keeper collectors. A nil *Metrics is valid and records
// nothing, which keeps tests and dry runs free of registry plumbing.
type Metrics struct {
	EventsApplied    *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	IndexSize        *prometheus.GaugeVec
	CycleDuration    *prometheus.HistogramVec
	PipelineRestarts *prometheus.CounterVec
	LastBlock        *prometheus.GaugeVec
	SignersAvailable prometheus.Gauge
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_events_applied_total",
				Help: "Market events folded into keeper indexes.",
			},
			[]string{"market", "kind"},
		),
		Actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_actions_total",
				Help: "Keeper actions by outcome.",
			},
			[]string{"market", "action", "outcome"},
		),
		IndexSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keeper_index_entries",
				Help: "Entries currently tracked by a keeper index.",
			},
			[]string{"market", "keeper"},
		),
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keeper_execute_duration_seconds",
				Help:    "Duration of one keeper execute cycle.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"market", "keeper"},
		),
		PipelineRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keeper_pipeline_restarts_total",
				Help: "Scheduler restarts after a fatal cycle error.",
			},
			[]string{"market", "keeper"},
		),
		LastBlock: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keeper_last_processed_block",
				Help: "Last block whose events were applied.",
			},
			[]string{"market", "keeper"},
		),
		SignersAvailable: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keeper_signers_available",
				Help: "Signer slots not held by an in-flight task.",
			},
		),
	}

	registry.MustRegister(
		m.EventsApplied,
		m.Actions,
		m.IndexSize,
		m.CycleDuration,
		m.PipelineRestarts,
		m.LastBlock,
		m.SignersAvailable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventApplied(market, kind string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(market, kind).Inc()
}

func (m *Metrics) Action(market, action, outcome string) {
	if m == nil {
		return
	}
	m.Actions.WithLabelValues(market, action, outcome).Inc()
}

func (m *Metrics) SetIndexSize(market, keeper string, n int) {
	if m == nil {
		return
	}
	m.IndexSize.WithLabelValues(market, keeper).Set(float64(n))
}

func (m *Metrics) ObserveCycle(market, keeper string, d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(market, keeper).Observe(d.Seconds())
}

func (m *Metrics) Restart(market, keeper string) {
	if m == nil {
		return
	}
	m.PipelineRestarts.WithLabelValues(market, keeper).Inc()
}

func (m *Metrics) SetLastBlock(market, keeper string, block uint64) {
	if m == nil {
		return
	}
	m.LastBlock.WithLabelValues(market, keeper).Set(float64(block))
}

func (m *Metrics) SetSignersAvailable(n int) {
	if m == nil {
		return
	}
	m.SignersAvailable.Set(float64(n))
}
