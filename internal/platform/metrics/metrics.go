package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics counts scheduling mutations and materialization work.
type SchedulingMetrics struct {
	mutationsTotal     *prometheus.CounterVec
	occurrencesCreated prometheus.Counter
	jobsTotal          *prometheus.CounterVec
	materializeLatency prometheus.Histogram
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldflow",
			Subsystem: "scheduling",
			Name:      "mutations_total",
			Help:      "Scheduling mutations by operation, scope and outcome",
		}, []string{"operation", "scope", "outcome"}),
		occurrencesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldflow",
			Subsystem: "scheduling",
			Name:      "occurrences_created_total",
			Help:      "Occurrence rows inserted by the materializer",
		}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldflow",
			Subsystem: "scheduling",
			Name:      "materialization_jobs_total",
			Help:      "Materialization job attempts by outcome",
		}, []string{"outcome"}),
		materializeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fieldflow",
			Subsystem: "scheduling",
			Name:      "materialize_seconds",
			Help:      "Latency of one series materialization",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.mutationsTotal, m.occurrencesCreated, m.jobsTotal, m.materializeLatency)
	return m
}

// ObserveMutation records one create/edit/delete. scope is empty for
// operations that take none.
func (m *SchedulingMetrics) ObserveMutation(operation, scope string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if scope == "" {
		scope = "none"
	}
	m.mutationsTotal.WithLabelValues(operation, scope, outcome).Inc()
}

// ObservePartial records a mutation that succeeded with a warning.
func (m *SchedulingMetrics) ObservePartial(operation string) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(operation, "none", "partial").Inc()
}

func (m *SchedulingMetrics) ObserveMaterialized(created int, seconds float64) {
	if m == nil {
		return
	}
	m.occurrencesCreated.Add(float64(created))
	m.materializeLatency.Observe(seconds)
}

// ObserveJob records a worker attempt: done, retry or failed.
func (m *SchedulingMetrics) ObserveJob(outcome string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
}
