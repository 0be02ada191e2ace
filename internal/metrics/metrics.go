// Package metrics exposes pipeline counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "benchtrack"

// Metrics holds the pipeline's collectors.
type Metrics struct {
	DatasetsCreated    prometheus.Counter
	DataPointsCreated  prometheus.Counter
	ChangesDetected    *prometheus.CounterVec
	ExtractionFailures prometheus.Counter
	FunctionFailures   *prometheus.CounterVec
	RecalcQueueDepth   prometheus.Gauge
	RecalcJobs         *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DatasetsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datasets_created_total",
			Help:      "Datasets persisted by transformation.",
		}),
		DataPointsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datapoints_created_total",
			Help:      "Data points persisted for variables.",
		}),
		ChangesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_detected_total",
			Help:      "Changes flagged by detection models.",
		}, []string{"model"}),
		ExtractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_failures_total",
			Help:      "Transformer extractions that fell back to an empty result.",
		}),
		FunctionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_failures_total",
			Help:      "User function evaluations that failed.",
		}, []string{"stage"}),
		RecalcQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recalc_queue_depth",
			Help:      "Recalculation jobs waiting for a worker.",
		}),
		RecalcJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recalc_jobs_total",
			Help:      "Recalculation jobs processed.",
		}, []string{"kind", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DatasetsCreated,
			m.DataPointsCreated,
			m.ChangesDetected,
			m.ExtractionFailures,
			m.FunctionFailures,
			m.RecalcQueueDepth,
			m.RecalcJobs,
		)
	}
	return m
}

func (m *Metrics) DatasetCreated(n int) {
	if m != nil {
		m.DatasetsCreated.Add(float64(n))
	}
}

func (m *Metrics) DataPointCreated() {
	if m != nil {
		m.DataPointsCreated.Inc()
	}
}

func (m *Metrics) ChangeDetected(model string) {
	if m != nil {
		m.ChangesDetected.WithLabelValues(model).Inc()
	}
}

func (m *Metrics) ExtractionFailed() {
	if m != nil {
		m.ExtractionFailures.Inc()
	}
}

func (m *Metrics) FunctionFailed(stage string) {
	if m != nil {
		m.FunctionFailures.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.RecalcQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) JobDone(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.RecalcJobs.WithLabelValues(kind, outcome).Inc()
}
