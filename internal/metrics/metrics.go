package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iot_gateway_connections_active",
		Help: "Number of registered device connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iot_gateway_connections_total",
		Help: "Total number of accepted device connections",
	})

	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_gateway_connection_rejected_total",
		Help: "Total number of device connections rejected",
	}, []string{"reason"})

	IdentifiedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iot_gateway_devices_identified",
		Help: "Number of connections bound to a device id",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_gateway_frames_received_total",
		Help: "Total number of frames received from devices",
	}, []string{"type"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_gateway_frames_dropped_total",
		Help: "Total number of device frames dropped",
	}, []string{"reason"})

	DownlinksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_gateway_downlinks_total",
		Help: "Total number of downlink deliveries",
	}, []string{"result"})

	// Liveness sweeper metrics
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iot_gateway_sweep_duration_seconds",
		Help:    "Duration of one liveness sweep",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iot_gateway_evictions_total",
		Help: "Total number of connections evicted by the liveness sweeper",
	})

	// Shared store errors by operation
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_store_errors_total",
		Help: "Total number of shared store errors",
	}, []string{"operation"})

	// Processor metrics
	MessagesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_processor_messages_consumed_total",
		Help: "Total number of queue messages consumed",
	}, []string{"queue", "result"})

	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_processor_messages_published_total",
		Help: "Total number of messages published",
	}, []string{"queue", "result"})

	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_processor_records_written_total",
		Help: "Total number of time-series records written",
	}, []string{"protocol"})

	FieldsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_processor_fields_skipped_total",
		Help: "Total number of batch fields skipped",
	}, []string{"reason"})

	StorageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iot_processor_storage_latency_seconds",
		Help:    "Latency of processing one batch into the time-series store",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"protocol"})

	TransmissionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iot_processor_transmission_latency_seconds",
		Help:    "Difference between storage time and device push time",
		Buckets: []float64{0, 1, 2, 5, 10, 30, 60, 300, 900},
	})

	SchemaCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_processor_schema_cache_total",
		Help: "Schema cache lookups",
	}, []string{"result"})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}

// IncFieldSkipped increments the skipped field counter
func IncFieldSkipped(reason string) {
	FieldsSkipped.WithLabelValues(reason).Inc()
}
