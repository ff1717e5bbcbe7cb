// internal/report/metrics.go
package report

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mwiater/koboldsweep/internal/supervisor"
)

// Metrics aggregates run outcomes on a private registry so the textfile only
// contains sweep series.
type Metrics struct {
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	combinations prometheus.Gauge
}

// NewMetrics builds the sweep collectors and registers them.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "koboldsweep",
			Name:      "runs_total",
			Help:      "Completed runs by result and failure reason.",
		}, []string{"result", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "koboldsweep",
			Name:      "run_duration_seconds",
			Help:      "Wall time from server launch to outcome.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		combinations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "koboldsweep",
			Name:      "combinations",
			Help:      "Number of parameter combinations in the sweep.",
		}),
	}
	m.registry.MustRegister(m.runs, m.duration, m.combinations)
	return m
}

// SetCombinations records the size of the sweep.
func (m *Metrics) SetCombinations(n int) {
	m.combinations.Set(float64(n))
}

// Observe counts one outcome.
func (m *Metrics) Observe(o supervisor.Outcome) {
	result := string(o.Status)
	m.runs.WithLabelValues(result, o.Reason).Inc()
	m.duration.WithLabelValues(result).Observe(o.Elapsed.Seconds())
}

// WriteTextfile writes the current values in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
