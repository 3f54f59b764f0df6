package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counts ledger operations by name and outcome code ("ok" on success).
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Total number of vault operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_operation_duration_seconds",
			Help:    "Duration of vault operations in seconds, including external wallet calls.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms → ~4s
		},
		[]string{"operation"},
	)

	HeldBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_held_balance",
			Help: "Aggregate custodied balance per asset, in base units.",
		},
		[]string{"asset"},
	)

	RegisteredUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_registered_users",
			Help: "Number of identities in the user registry.",
		},
	)

	Paused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_paused",
			Help: "1 while deposits and withdrawals are paused.",
		},
	)

	AuditRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_audit_runs_total",
			Help: "Conservation audits by result.",
		},
		[]string{"result"}, // ok | violation | error
	)

	LastAuditTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_last_audit_timestamp",
			Help: "Timestamp (unix seconds) of the last completed conservation audit.",
		},
	)

	// Tracks events handed to each outbound sink.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_events_published_total",
			Help: "Vault events published by sink and result.",
		},
		[]string{"sink", "result"},
	)

	EventPublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_event_publish_latency_seconds",
			Help:    "Time taken to publish an event to a sink.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_errors_total",
			Help: "Count of component-level errors.",
		},
		[]string{"component", "reason"},
	)
)

// ObserveDuration records the time taken since start on the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
	}
}

func ObserveOperation(operation, result string, start time.Time) {
	OperationsTotal.WithLabelValues(operation, result).Inc()
	ObserveDuration(OperationDuration, start, operation)
}

func SetHeldBalance(asset string, units uint64) {
	HeldBalance.WithLabelValues(asset).Set(float64(units))
}

func SetPaused(paused bool) {
	if paused {
		Paused.Set(1)
		return
	}
	Paused.Set(0)
}

func SetRegisteredUsers(n int) {
	RegisteredUsers.Set(float64(n))
}

func IncAudit(result string) {
	AuditRuns.WithLabelValues(result).Inc()
}

func SetLastAudit(t time.Time) {
	LastAuditTimestamp.Set(float64(t.Unix()))
}

func IncEvent(sink, result string) {
	EventsPublished.WithLabelValues(sink, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}
