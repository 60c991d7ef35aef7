// Package metrics exposes the Prometheus series for the inference pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the process registry served on /metrics. A dedicated registry
// keeps the exposition limited to pipeline series.
var Registry = prometheus.NewRegistry()

var (
	// FramesTotal counts frames handed to the detector chain.
	FramesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_frames_total",
			Help: "Total frames processed",
		},
		[]string{"camera_id"},
	)

	// EventsTotal counts confirmed detection events by type.
	EventsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_events_total",
			Help: "Total detection events",
		},
		[]string{"camera_id", "type"},
	)

	// InferLatency tracks full detector-chain latency per frame.
	InferLatency = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infer_latency_ms",
			Help:    "Inference latency in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"camera_id"},
	)

	// PublisherFailures counts records or snapshots lost per sink.
	PublisherFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_failures_total",
			Help: "Total publisher failures",
		},
		[]string{"sink"},
	)

	// WorkerAlive is 1 while a camera worker loop is running.
	WorkerAlive = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_alive",
			Help: "Worker alive status (1=alive, 0=dead)",
		},
		[]string{"camera_id"},
	)

	// HLSReconnects counts frame source reconnection attempts.
	HLSReconnects = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvs_hls_reconnects_total",
			Help: "Total HLS reconnect attempts",
		},
		[]string{"camera_id"},
	)

	// HLSURLRefreshes counts streaming session URL acquisitions.
	HLSURLRefreshes = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvs_hls_url_refreshes_total",
			Help: "Total HLS session URL refreshes",
		},
		[]string{"camera_id"},
	)

	// HLSReadErrors counts failed frame reads.
	HLSReadErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvs_hls_read_errors_total",
			Help: "Total HLS frame read errors",
		},
		[]string{"camera_id"},
	)

	// HLSFrames counts frames decoded from the HLS stream.
	HLSFrames = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvs_hls_frames_total",
			Help: "Total frames decoded from HLS",
		},
		[]string{"camera_id"},
	)

	// HLSConnectionState encodes the frame source state machine:
	// 0=disconnected 1=connecting 2=connected 3=reconnecting 4=error.
	HLSConnectionState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvs_hls_connection_state",
			Help: "HLS connection state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=error)",
		},
		[]string{"camera_id"},
	)

	// HLSLastFrameTimestamp holds the wall-clock time of the last decoded frame.
	HLSLastFrameTimestamp = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kvs_hls_last_frame_timestamp",
			Help: "Unix timestamp of last decoded frame",
		},
		[]string{"camera_id"},
	)
)

// Helper functions for metrics recording

func RecordFrame(cameraID string) {
	FramesTotal.WithLabelValues(cameraID).Inc()
}

func RecordEvent(cameraID, eventType string) {
	EventsTotal.WithLabelValues(cameraID, eventType).Inc()
}

func RecordInferLatency(cameraID string, latencyMs float64) {
	InferLatency.WithLabelValues(cameraID).Observe(latencyMs)
}

func RecordPublisherFailure(sink string, count int) {
	PublisherFailures.WithLabelValues(sink).Add(float64(count))
}

func SetWorkerAlive(cameraID string, alive bool) {
	v := 0.0
	if alive {
		v = 1.0
	}
	WorkerAlive.WithLabelValues(cameraID).Set(v)
}

func RecordHLSReconnect(cameraID string) {
	HLSReconnects.WithLabelValues(cameraID).Inc()
}

func RecordHLSURLRefresh(cameraID string) {
	HLSURLRefreshes.WithLabelValues(cameraID).Inc()
}

func RecordHLSReadError(cameraID string) {
	HLSReadErrors.WithLabelValues(cameraID).Inc()
}

func RecordHLSFrame(cameraID string, unixTS float64) {
	HLSFrames.WithLabelValues(cameraID).Inc()
	HLSLastFrameTimestamp.WithLabelValues(cameraID).Set(unixTS)
}

func SetHLSConnectionState(cameraID string, state int) {
	HLSConnectionState.WithLabelValues(cameraID).Set(float64(state))
}
