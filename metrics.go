package pulsarp

import "github.com/prometheus/client_golang/prometheus"

var (
	metricBatchesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsarp",
		Name:      "batches_sent_total",
		Help:      "Batches written to the broker socket, by partition topic.",
	}, []string{"partition_topic"})

	metricBatchesAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsarp",
		Name:      "batches_acked_total",
		Help:      "Batches acknowledged by the broker, by partition topic.",
	}, []string{"partition_topic"})

	metricReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsarp",
		Name:      "reconnects_total",
		Help:      "Failed socket connect attempts, each of which schedules a reconnect, by partition topic.",
	}, []string{"partition_topic"})

	metricInflightRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pulsarp",
		Name:      "inflight_requests",
		Help:      "Number of unacknowledged batches currently in the request table.",
	}, []string{"partition_topic"})

	metricQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pulsarp",
		Name:      "durable_queue_depth",
		Help:      "Number of unacked items in the durable queue.",
	}, []string{"partition_topic"})
)

func init() {
	prometheus.MustRegister(
		metricBatchesSent,
		metricBatchesAcked,
		metricReconnects,
		metricInflightRequests,
		metricQueueDepth,
	)
}
