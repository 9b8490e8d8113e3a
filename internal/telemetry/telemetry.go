// Package telemetry exports collection run counters in the Prometheus
// text format, for a node exporter textfile collector to pick up.
package telemetry

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"dlmetrics/internal/gather"
)

// Run status label values.
const (
	StatusSuccess     = "success"
	StatusGap         = "gap"
	StatusUnavailable = "source_unavailable"
	StatusFailed      = "failed"
)

const namespace = "dlmetrics"

// Metrics holds the collection run metrics.
type Metrics struct {
	registry *prometheus.Registry

	Runs        *prometheus.CounterVec
	Rows        *prometheus.GaugeVec
	Persisted   *prometheus.GaugeVec
	Duration    *prometheus.GaugeVec
	LastSuccess *prometheus.GaugeVec
}

var _ gather.Recorder = (*Metrics)(nil)

// NewMetrics creates the metrics on a private registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Dataset collection runs by outcome.",
		}, []string{"dataset", "status"}),
		Rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rows",
			Help:      "Rows seen by the last run of a dataset, by stage.",
		}, []string{"dataset", "stage"}),
		Persisted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persisted",
			Help:      "Whether the last run of a dataset wrote its snapshot (1) or not (0).",
		}, []string{"dataset"}),
		Duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run of a dataset.",
		}, []string{"dataset"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of a dataset.",
		}, []string{"dataset"}),
	}

	for _, c := range []prometheus.Collector{m.Runs, m.Rows, m.Persisted, m.Duration, m.LastSuccess} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Record implements gather.Recorder.
func (m *Metrics) Record(res gather.Result, err error) {
	m.Runs.WithLabelValues(res.Dataset, Status(err)).Inc()
	m.Duration.WithLabelValues(res.Dataset).Set(res.Elapsed.Seconds())
	if err != nil {
		return
	}

	m.Rows.WithLabelValues(res.Dataset, "previous").Set(float64(res.Previous))
	m.Rows.WithLabelValues(res.Dataset, "fetched").Set(float64(res.Fetched))
	m.Rows.WithLabelValues(res.Dataset, "merged").Set(float64(res.Merged))
	persisted := 0.0
	if res.Persisted {
		persisted = 1
	}
	m.Persisted.WithLabelValues(res.Dataset).Set(persisted)
	m.LastSuccess.WithLabelValues(res.Dataset).SetToCurrentTime()
}

// Status maps a run error to its status label.
func Status(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, gather.ErrGap):
		return StatusGap
	case errors.Is(err, gather.ErrSourceUnavailable):
		return StatusUnavailable
	default:
		return StatusFailed
	}
}

// WriteTextfile writes the metrics to path atomically in the text
// exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
