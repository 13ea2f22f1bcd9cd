package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dataset population metrics
	DatasetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingestpipe_datasets_total",
			Help: "Total number of datasets by status",
		},
		[]string{"status"},
	)

	BytesUploadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestpipe_bytes_uploaded_total",
			Help: "Total bytes uploaded by source type",
		},
		[]string{"source_type"},
	)

	// Upload scheduler metrics
	UploadSchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestpipe_upload_scheduling_latency_seconds",
			Help:    "Time taken to complete one upload scheduling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	UploadsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestpipe_uploads_claimed_total",
			Help: "Total number of datasets successfully claimed for upload",
		},
	)

	UploadClaimsLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestpipe_upload_claims_lost_total",
			Help: "Total number of upload claim attempts that lost the race (Stale)",
		},
	)

	UploadsSucceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestpipe_uploads_succeeded_total",
			Help: "Total number of uploads that completed successfully, by source type",
		},
		[]string{"source_type"},
	)

	UploadsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestpipe_uploads_failed_total",
			Help: "Total number of uploads that exhausted their retry budget, by reason",
		},
		[]string{"reason"},
	)

	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestpipe_upload_duration_seconds",
			Help:    "Wall-clock duration of a single upload executor run",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"source_type"},
	)

	// Conversion scheduler metrics
	ConversionSchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestpipe_conversion_scheduling_latency_seconds",
			Help:    "Time taken to complete one conversion scheduling cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConversionsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestpipe_conversions_claimed_total",
			Help: "Total number of datasets successfully claimed for conversion",
		},
	)

	ConversionsSucceeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestpipe_conversions_succeeded_total",
			Help: "Total number of conversions that completed successfully, by sensor",
		},
		[]string{"sensor"},
	)

	ConversionsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestpipe_conversions_failed_total",
			Help: "Total number of conversions that exhausted their retry budget, by reason",
		},
		[]string{"reason"},
	)

	ConversionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestpipe_conversion_duration_seconds",
			Help:    "Wall-clock duration of a single conversion subprocess run",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"sensor"},
	)

	// Reaper metrics
	ReaperSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestpipe_reaper_sweeps_total",
			Help: "Total number of staleness reaper sweeps completed",
		},
	)

	ReaperResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestpipe_reaper_resets_total",
			Help: "Total number of stale claims corrected by the reaper, by outcome",
		},
		[]string{"outcome"}, // "requeued" or "failed"
	)

	// Chunked upload metrics
	ChunkedSessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestpipe_chunked_sessions_active",
			Help: "Number of in-flight chunked upload sessions",
		},
	)

	ChunksReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestpipe_chunks_received_total",
			Help: "Total number of upload chunks received",
		},
	)

	ChunkHashMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestpipe_chunk_hash_mismatches_total",
			Help: "Total number of chunk uploads rejected for hash mismatch",
		},
	)

	// Credential decoder metrics
	CredentialDecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestpipe_credential_decode_failures_total",
			Help: "Total number of credential decode/refresh failures, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		DatasetsTotal,
		BytesUploadedTotal,
		UploadSchedulingLatency,
		UploadsClaimed,
		UploadClaimsLost,
		UploadsSucceeded,
		UploadsFailed,
		UploadDuration,
		ConversionSchedulingLatency,
		ConversionsClaimed,
		ConversionsSucceeded,
		ConversionsFailed,
		ConversionDuration,
		ReaperSweepsTotal,
		ReaperResetsTotal,
		ChunkedSessionsActive,
		ChunksReceivedTotal,
		ChunkHashMismatchesTotal,
		CredentialDecodeFailuresTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
