package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	signalUpdates      *prometheus.CounterVec
	admissions         *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	callDuration       *prometheus.HistogramVec
	journalFlushes     *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	lockedFunds        prometheus.Gauge
	availableFunds     prometheus.Gauge
	groupDelta         *prometheus.GaugeVec
	openBreakers       prometheus.Gauge
	outboxDepth        prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		signalUpdates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_signal_updates_total",
				Help: "Signal updates merged into the bus, by source feed",
			},
			[]string{"source"},
		),
		admissions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_admissions_total",
				Help: "Admission decisions by component and outcome",
			},
			[]string{"component", "outcome"},
		),
		breakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_breaker_transitions_total",
				Help: "Circuit breaker state transitions by dependency",
			},
			[]string{"dependency", "state"},
		),
		breakerRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_breaker_rejections_total",
				Help: "Calls rejected while a breaker was open",
			},
			[]string{"dependency"},
		),
		callDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_guarded_call_duration_seconds",
				Help:    "Duration of calls made through a circuit breaker",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"dependency", "outcome"},
		),
		journalFlushes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_journal_events_total",
				Help: "Journal events flushed, by backend",
			},
			[]string{"backend"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		lockedFunds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_locked_funds",
				Help: "Capital currently reserved by open allocations",
			},
		),
		availableFunds: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_available_funds",
				Help: "Capital available for new allocations",
			},
		),
		groupDelta: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kernel_group_delta",
				Help: "Net directional exposure per market group",
			},
			[]string{"group"},
		),
		openBreakers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_open_breakers",
				Help: "Number of breakers currently not CLOSED",
			},
		),
		outboxDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_outbox_depth",
				Help: "Entries waiting in the persistence outbox",
			},
		),
	}
}

// RecordSignalUpdate records one merged signal update.
func (r *Recorder) RecordSignalUpdate(source string) {
	r.signalUpdates.WithLabelValues(source).Inc()
}

// RecordAdmission records an admission decision.
func (r *Recorder) RecordAdmission(component, outcome string) {
	r.admissions.WithLabelValues(component, outcome).Inc()
}

// RecordBreakerTransition records a breaker entering a state.
func (r *Recorder) RecordBreakerTransition(name, state string) {
	r.breakerTransitions.WithLabelValues(name, state).Inc()
}

// RecordBreakerRejection records a call rejected by an open breaker.
func (r *Recorder) RecordBreakerRejection(name string) {
	r.breakerRejections.WithLabelValues(name).Inc()
}

// RecordCallDuration records the duration of a guarded call.
func (r *Recorder) RecordCallDuration(name string, seconds float64, outcome string) {
	r.callDuration.WithLabelValues(name, outcome).Observe(seconds)
}

// RecordJournalFlush records journal events written to a backend.
func (r *Recorder) RecordJournalFlush(backend string, count int) {
	r.journalFlushes.WithLabelValues(backend).Add(float64(count))
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// SetLockedFunds sets the reserved capital gauge.
func (r *Recorder) SetLockedFunds(v float64) {
	r.lockedFunds.Set(v)
}

// SetAvailableFunds sets the free capital gauge.
func (r *Recorder) SetAvailableFunds(v float64) {
	r.availableFunds.Set(v)
}

// SetGroupDelta sets the exposure gauge for one market group.
func (r *Recorder) SetGroupDelta(group string, v float64) {
	r.groupDelta.WithLabelValues(group).Set(v)
}

// SetOpenBreakers sets the count of breakers away from CLOSED.
func (r *Recorder) SetOpenBreakers(n int) {
	r.openBreakers.Set(float64(n))
}

// SetOutboxDepth sets the persistence outbox backlog gauge.
func (r *Recorder) SetOutboxDepth(n int) {
	r.outboxDepth.Set(float64(n))
}
