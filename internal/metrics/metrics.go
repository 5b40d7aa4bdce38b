package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Live broadcast metrics
	MessagesSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_messages_submitted_total",
			Help: "Total number of messages submitted by clients",
		},
	)

	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_broadcasts_total",
			Help: "Total number of per-connection message deliveries",
		},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_broadcast_drops_total",
			Help: "Deliveries dropped because a connection's outbound buffer was full",
		},
	)

	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayline_connections",
			Help: "Currently registered live connections",
		},
	)

	// Bus metrics
	BusPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_bus_publish_errors_total",
			Help: "Failed publishes to the ephemeral broadcast bus",
		},
	)

	BusMessagesRelayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_bus_messages_relayed_total",
			Help: "Messages received from other instances via the bus",
		},
	)

	// Durable log metrics
	EventsAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_events_appended_total",
			Help: "Events durably appended to the log",
		},
	)

	AppendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_append_errors_total",
			Help: "Failed appends to the durable log",
		},
	)

	EventsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayline_events_consumed_total",
			Help: "Events handed to the batch accumulator",
		},
	)

	ConsumerPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayline_consumer_paused",
			Help: "1 while a partition is paused waiting to redeliver a failed event",
		},
	)

	// Batch accumulator metrics
	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayline_batch_flushes_total",
			Help: "Batch flushes to the persistent store",
		},
		[]string{"result"},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayline_flush_duration_seconds",
			Help:    "Duration of bulk writes to the persistent store",
			Buckets: prometheus.DefBuckets,
		},
	)

	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayline_buffer_depth",
			Help: "Events currently buffered awaiting flush",
		},
	)
)
