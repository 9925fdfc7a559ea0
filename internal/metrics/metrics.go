package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgetelemetry_messages_total",
			Help: "Sensor messages handled by the gateway pipeline.",
		},
		[]string{"topic", "result"},
	)

	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgetelemetry_anomalies_total",
			Help: "Readings flagged anomalous by the edge detector.",
		},
		[]string{"sensor_type"},
	)

	UploadBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgetelemetry_upload_batches_total",
			Help: "Cloud upload batches by outcome.",
		},
		[]string{"result"},
	)

	UploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgetelemetry_upload_duration_seconds",
			Help:    "Cloud upload latency per attempt.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgetelemetry_batch_size",
			Help:    "Batch sizes drained from the buffer.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	ReplicationRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgetelemetry_replication_records_total",
			Help: "Records served to or pulled from peer gateways.",
		},
		[]string{"direction"},
	)

	ModelSwapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edgetelemetry_model_swaps_total",
			Help: "Detector model reloads.",
		},
	)

	IngestRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgetelemetry_cloud_ingest_records_total",
			Help: "Records received by the cloud ingest API.",
		},
		[]string{"result"},
	)

	ExportDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edgetelemetry_cloud_export_duration_seconds",
			Help:    "Training snapshot export latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)
)

var registerOnce sync.Once

// Register installs all collectors. Safe to call more than once; the gateway
// and cloud entry points both call it.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		MessagesTotal,
		AnomaliesTotal,
		UploadBatchesTotal,
		UploadDuration,
		BatchSize,
		ReplicationRecordsTotal,
		ModelSwapsTotal,
		IngestRecordsTotal,
		ExportDuration,
	)
}
