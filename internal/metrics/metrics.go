// Package metrics exposes the engine's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rfqmail"

// Metrics bundles the collectors shared by pipeline, poller and resolver.
type Metrics struct {
	outcomes         *prometheus.CounterVec
	stepFailures     *prometheus.CounterVec
	ticks            *prometheus.CounterVec
	pollDuration     prometheus.Histogram
	resolverAttempts *prometheus.HistogramVec
	processedSetSize prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_outcomes_total",
			Help:      "Messages handled by the reply pipeline, by outcome.",
		}, []string{"outcome"}),
		stepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_step_failures_total",
			Help:      "Pipeline step failures, by step and criticality.",
		}, []string{"step", "critical"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Poll ticks, by result.",
		}, []string{"result"}),
		pollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one poll pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		resolverAttempts: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sent_item_resolver_attempts",
			Help:      "Attempts used to locate a just-sent message.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"found"}),
		processedSetSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processed_set_size",
			Help:      "Message ids held in the session processed set.",
		}),
	}
}

// Outcome counts one pipeline outcome.
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// StepFailed counts a failed pipeline step.
func (m *Metrics) StepFailed(step string, critical bool) {
	if m == nil {
		return
	}
	m.stepFailures.WithLabelValues(step, strconv.FormatBool(critical)).Inc()
}

// Tick counts a poll tick (run, skipped, unauthenticated, error).
func (m *Metrics) Tick(result string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
}

// ObservePoll records the duration of a completed poll pass.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
}

// ObserveResolve records one resolver run.
func (m *Metrics) ObserveResolve(attempts int, found bool) {
	if m == nil {
		return
	}
	m.resolverAttempts.WithLabelValues(strconv.FormatBool(found)).Observe(float64(attempts))
}

// SetProcessed reports the processed set size.
func (m *Metrics) SetProcessed(n int) {
	if m == nil {
		return
	}
	m.processedSetSize.Set(float64(n))
}
