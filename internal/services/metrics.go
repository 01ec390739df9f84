package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "sitesmith"
	metricsSubsystem = "pipeline"
)

// Metrics holds the Prometheus collectors of the generation pipeline and
// the domain maintenance sweeps.
type Metrics struct {
	TasksTotal       *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	TasksInFlight    prometheus.Gauge
	SweepsTotal      *prometheus.CounterVec
	DomainsProcessed *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg, or the default registerer
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_total",
				Help:      "Generation tasks by terminal status",
			},
			[]string{"status"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 15), // 50ms to ~27min
			},
			[]string{"stage", "result"},
		),
		TasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "tasks_in_flight",
				Help:      "Pipelines currently executing",
			},
		),
		SweepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "domains",
				Name:      "sweeps_total",
				Help:      "Domain maintenance sweeps by kind and result",
			},
			[]string{"kind", "result"},
		),
		DomainsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "domains",
				Name:      "processed_total",
				Help:      "Domains touched by sweeps by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveSweep records one sweep run.
func (m *Metrics) ObserveSweep(kind string, res SweepResult, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SweepsTotal.WithLabelValues(kind, result).Inc()
	m.DomainsProcessed.WithLabelValues("activated").Add(float64(res.Activated))
	m.DomainsProcessed.WithLabelValues("expired").Add(float64(res.Expired))
	m.DomainsProcessed.WithLabelValues("renewed").Add(float64(res.Renewed))
	m.DomainsProcessed.WithLabelValues("failed").Add(float64(res.Failed))
}
