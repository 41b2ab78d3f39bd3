package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonharbor_submits_total",
			Help: "Total number of message submissions by terminal outcome.",
		},
		[]string{"outcome"}, // confirmed, message_expired, message_rejected, ...
	)
	SubmitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tonharbor_submit_duration_seconds",
			Help:    "Wall time from submit to terminal outcome.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		},
	)
	BroadcastRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tonharbor_broadcast_rounds_total",
			Help: "Total number of broadcast rounds across all messages.",
		},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonharbor_retries_total",
			Help: "Total number of message retries by reason.",
		},
		[]string{"reason"}, // expired, reconnect
	)
	EndpointHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tonharbor_endpoint_health",
			Help: "Endpoint health: 0 healthy, 1 degraded, 2 unreachable.",
		},
		[]string{"endpoint"},
	)
	ProbeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tonharbor_probe_latency_seconds",
			Help:    "Round-trip latency of endpoint sync probes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	ClockSkew = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tonharbor_clock_skew_seconds",
			Help: "Median measured skew between ledger time and local clock.",
		},
	)
	BocCacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonharbor_boc_cache_events_total",
			Help: "BOC cache hits, misses, evictions and rejected inserts.",
		},
		[]string{"event"},
	)
	BocCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tonharbor_boc_cache_bytes",
			Help: "Bytes currently held by the BOC cache.",
		},
	)
	PendingAppRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tonharbor_pending_app_requests",
			Help: "App requests waiting for host resolution.",
		},
	)
	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tonharbor_dlq_total",
			Help: "Total number of terminal failures published to the DLQ.",
		},
		[]string{"reason"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		SubmitsTotal, SubmitDuration, BroadcastRoundsTotal, RetriesTotal,
		EndpointHealth, ProbeLatency, ClockSkew,
		BocCacheEvents, BocCacheBytes, PendingAppRequests, DLQTotal,
	)
}

func RecordSubmit(outcome string, elapsed time.Duration) {
	SubmitsTotal.WithLabelValues(outcome).Inc()
	SubmitDuration.Observe(elapsed.Seconds())
}

func RecordBroadcastRound() {
	BroadcastRoundsTotal.Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func SetEndpointHealth(endpoint string, health int) {
	EndpointHealth.WithLabelValues(endpoint).Set(float64(health))
}

func ObserveProbeLatency(endpoint string, latency time.Duration) {
	ProbeLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

func SetClockSkew(skew time.Duration) {
	ClockSkew.Set(skew.Seconds())
}

func RecordCacheEvent(event string) {
	BocCacheEvents.WithLabelValues(event).Inc()
}

func SetCacheBytes(n int64) {
	BocCacheBytes.Set(float64(n))
}

func AddPendingAppRequests(delta float64) {
	PendingAppRequests.Add(delta)
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}
