// Package metrics exposes tuning and dispatch counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	candidatesBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kerneltune_candidate_builds_total",
		Help: "Candidate compilations by outcome",
	}, []string{"template", "outcome"})

	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kerneltune_candidate_build_seconds",
		Help:    "Wall time spent compiling one candidate",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10, 30},
	}, []string{"template"})

	candidateLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kerneltune_candidate_latency_seconds",
		Help:    "Measured mean kernel latency per profiled candidate",
		Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
	}, []string{"template"})

	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kerneltune_sessions_total",
		Help: "Tuning sessions by outcome",
	}, []string{"template", "outcome"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kerneltune_session_seconds",
		Help:    "Wall time of a full tuning session",
		Buckets: []float64{0.01, 0.1, 1, 10, 60, 300},
	}, []string{"template"})

	forwards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kerneltune_forward_total",
		Help: "Forward calls by execution path",
	}, []string{"template", "path"})
)

// Build outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeBuildFail = "build_failed"
	OutcomeRunFail   = "run_failed"
	OutcomeNoViable  = "no_viable"
	OutcomeCancelled = "cancelled"
)

// Forward paths.
const (
	PathKernel    = "kernel"
	PathReference = "reference"
)

func ObserveBuild(template, outcome string, d time.Duration) {
	candidatesBuilt.WithLabelValues(template, outcome).Inc()
	buildDuration.WithLabelValues(template).Observe(d.Seconds())
}

func ObserveLatency(template string, d time.Duration) {
	candidateLatency.WithLabelValues(template).Observe(d.Seconds())
}

func ObserveSession(template, outcome string, d time.Duration) {
	sessions.WithLabelValues(template, outcome).Inc()
	sessionDuration.WithLabelValues(template).Observe(d.Seconds())
}

func ObserveForward(template, path string) {
	forwards.WithLabelValues(template, path).Inc()
}
