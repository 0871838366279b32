package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	// Ingest metrics
	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_ingest_messages_total",
			Help: "Total number of telemetry messages received",
		},
		[]string{"transport", "status"}, // status: accepted, rejected, dropped
	)

	IngestValidationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_ingest_validation_errors_total",
			Help: "Total number of rejected payloads by reason",
		},
		[]string{"error_type"},
	)

	ReadingsStoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_readings_stored_total",
			Help: "Total number of readings persisted",
		},
		[]string{"channel", "status"}, // status: success, failed
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_processing_duration_seconds",
			Help:    "Time taken to run one message through the pipeline",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorwatch_worker_queue_size",
			Help: "Current number of messages waiting for a worker",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorwatch_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_worker_processed_total",
			Help: "Total number of messages processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_worker_failed_total",
			Help: "Total number of messages failed in workers",
		},
	)

	// Alert lifecycle metrics
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_alerts_created_total",
			Help: "Total number of alerts raised",
		},
		[]string{"channel"},
	)

	AlertsClearedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_alerts_cleared_total",
			Help: "Total number of alerts cleared by a reading",
		},
		[]string{"channel"},
	)

	AlertsAcknowledgedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_alerts_acknowledged_total",
			Help: "Total number of alerts acknowledged",
		},
		[]string{"channel"},
	)

	AlertsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorwatch_alerts_active",
			Help: "Current number of active alerts",
		},
	)

	AlertInvariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_alert_invariant_violations_total",
			Help: "Times more than one active alert was found for a channel",
		},
		[]string{"channel"},
	)

	// Broadcast metrics
	BroadcastDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_broadcast_delivered_total",
			Help: "Total number of events queued to observers",
		},
		[]string{"event"},
	)

	BroadcastDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_broadcast_dropped_total",
			Help: "Total number of events dropped because an observer queue was full",
		},
		[]string{"event"},
	)

	ObserversConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sensorwatch_observers_connected",
			Help: "Current number of connected observers",
		},
	)

	// Kafka export metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_kafka_publish_total",
			Help: "Total number of events published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sensorwatch_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorwatch_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Mirror metrics
	MirrorWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_mirror_writes_total",
			Help: "Total number of latest-value mirror writes",
		},
		[]string{"status"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorwatch_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
