// Package metrics declares the Prometheus collectors of topiclog.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for topiclog metrics.
const (
	Fail      = "fail"
	Ok        = "ok"
	Malformed = "malformed"
	Retryable = "retryable"
)

// Collectors for the topiclog.Log.
var (
	CASConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topiclog_cas_conflicts_total",
		Help: "Cumulative number of compare-and-swap conflicts, by operation.",
	}, []string{"operation"})
	TransientRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topiclog_transient_retries_total",
		Help: "Cumulative number of store operations retried after a transient failure, by operation.",
	}, []string{"operation"})
	RetriesExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topiclog_retries_exhausted_total",
		Help: "Cumulative number of operations which failed after exhausting their retry budget, by operation.",
	}, []string{"operation"})
	AppendedEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topiclog_appended_entries_total",
		Help: "Cumulative number of log entries appended, by whether allocate & write were atomic.",
	}, []string{"atomic"})
	HolesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topiclog_holes_total",
		Help: "Cumulative number of allocated offsets found without an entry by reads. Includes offsets whose entry write was still in flight.",
	})
	PolledEntriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topiclog_polled_entries_total",
		Help: "Cumulative number of log entries returned by polls.",
	})
)

// Collectors for the service dispatcher.
var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topiclog_requests_total",
		Help: "Cumulative number of handled requests, by type and status.",
	}, []string{"type", "status"})
	RequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topiclog_request_duration_seconds",
		Help:    "Duration of handled requests, by type.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"type"})
)

// TopicLogCollectors returns all collectors of the topiclog binary.
func TopicLogCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		CASConflictsTotal,
		TransientRetriesTotal,
		RetriesExhaustedTotal,
		AppendedEntriesTotal,
		HolesTotal,
		PolledEntriesTotal,
		RequestsTotal,
		RequestDurationSeconds,
	}
}
