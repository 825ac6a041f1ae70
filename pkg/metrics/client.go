package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_messages_sent_total",
		Help: "Total number of messages handed to the transport",
	})

	MessagesDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_messages_deduplicated_total",
		Help: "Total number of sends resolved locally as sequence-id duplicates",
	})

	BatchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_batches_flushed_total",
		Help: "Total number of batches flushed to the transport",
	})

	BatchFlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_batch_flush_failures_total",
		Help: "Total number of batches failed on transport error",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_messages_received_total",
		Help: "Total number of messages delivered to the application",
	})

	MessagesAcked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_messages_acked_total",
		Help: "Total number of acknowledged messages",
	})

	Redeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "client_redeliveries_total",
		Help: "Total number of messages redelivered after ack timeout",
	})

	PendingMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "client_pending_messages",
		Help: "Messages buffered and awaiting flush across all producers",
	})

	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "client_publish_latency_seconds",
		Help:    "Histogram of batch publish round-trip latency",
		Buckets: prometheus.DefBuckets,
	})
)
