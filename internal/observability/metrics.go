package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions    prometheus.Gauge
	transitionsTotal  *prometheus.CounterVec
	messagesReceived  *prometheus.CounterVec
	messagesSent      *prometheus.CounterVec
	messageErrors     *prometheus.CounterVec
	admissionRejected prometheus.Counter

	cacheLookups *prometheus.CounterVec

	completionTotal    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	fallbackTotal      *prometheus.CounterVec

	persistDuration prometheus.Histogram
	persistFailures prometheus.Counter
	sweepRemoved    *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "sandesh_queue_size",
					Help: "Current lane queue size by queue.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_enqueue_total",
					Help: "Total enqueue operations by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_dequeue_total",
					Help: "Total task completions by queue and status.",
				},
				[]string{"queue", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sandesh_task_duration_seconds",
					Help:    "Lane task duration in seconds by queue.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sandesh_active_sessions",
					Help: "Current active session count.",
				},
			),
			transitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_session_transitions_total",
					Help: "Session state transitions by target state.",
				},
				[]string{"state"},
			),
			messagesReceived: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_messages_received_total",
					Help: "Inbound messages by transport.",
				},
				[]string{"transport"},
			),
			messagesSent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_messages_sent_total",
					Help: "Outbound messages delivered by transport.",
				},
				[]string{"transport"},
			),
			messageErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_message_errors_total",
					Help: "Outbound delivery failures by transport.",
				},
				[]string{"transport"},
			),
			admissionRejected: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sandesh_admission_rejected_total",
					Help: "Inbound messages dropped by the per-contact rate limiter.",
				},
			),
			cacheLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_cache_lookups_total",
					Help: "Response cache lookups by result.",
				},
				[]string{"result"},
			),
			completionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_completion_total",
					Help: "Completion requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			completionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "sandesh_completion_duration_seconds",
					Help:    "Completion request duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			fallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_fallback_total",
					Help: "Fallback replies by category.",
				},
				[]string{"category"},
			),
			persistDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "sandesh_persist_duration_seconds",
					Help:    "Shadow store persist duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			persistFailures: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sandesh_persist_failures_total",
					Help: "Shadow store write failures.",
				},
			),
			sweepRemoved: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sandesh_sweep_sessions_total",
					Help: "Sessions touched by the periodic sweep by action.",
				},
				[]string{"action"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.transitionsTotal,
			m.messagesReceived,
			m.messagesSent,
			m.messageErrors,
			m.admissionRejected,
			m.cacheLookups,
			m.completionTotal,
			m.completionDuration,
			m.fallbackTotal,
			m.persistDuration,
			m.persistFailures,
			m.sweepRemoved,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetQueueSize(queue string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordQueueCompletion(queue string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionTransition(state string) {
	getMetrics().transitionsTotal.WithLabelValues(state).Inc()
}

func RecordMessageReceived(transport string) {
	getMetrics().messagesReceived.WithLabelValues(transport).Inc()
}

func RecordMessageSent(transport string) {
	getMetrics().messagesSent.WithLabelValues(transport).Inc()
}

func RecordMessageError(transport string) {
	getMetrics().messageErrors.WithLabelValues(transport).Inc()
}

func RecordAdmissionRejected() {
	getMetrics().admissionRejected.Inc()
}

func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	getMetrics().cacheLookups.WithLabelValues(result).Inc()
}

func RecordCompletion(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.completionTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.completionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordFallback(category string) {
	getMetrics().fallbackTotal.WithLabelValues(category).Inc()
}

func RecordPersist(duration time.Duration, success bool) {
	m := getMetrics()
	m.persistDuration.Observe(duration.Seconds())
	if !success {
		m.persistFailures.Inc()
	}
}

func RecordSweep(action string, count int) {
	if count <= 0 {
		return
	}
	getMetrics().sweepRemoved.WithLabelValues(action).Add(float64(count))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
