package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the status server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Load generation metrics
var (
	// InferenceRequests counts streamed inference requests by outcome
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoswift_inference_requests_total",
			Help: "Total number of inference requests by provider and status (success, failed)",
		},
		[]string{"provider", "status"},
	)

	// InferenceLatency tracks end-to-end request latency
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoswift_inference_latency_seconds",
			Help:    "End-to-end latency of streamed inference requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"provider"},
	)

	// TimeToFirstToken tracks TTFT
	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoswift_ttft_seconds",
			Help:    "Time from request start to the first non-empty response chunk",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"provider"},
	)

	// OutputTokens tracks tokens generated per request
	OutputTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoswift_output_tokens",
			Help:    "Number of output tokens counted per request",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"provider"},
	)

	// DecodeErrors counts malformed stream lines that were skipped
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoswift_stream_decode_errors_total",
			Help: "Total number of malformed stream chunks skipped by provider",
		},
		[]string{"provider"},
	)

	// ActiveUsers tracks running virtual users
	ActiveUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echoswift_active_users",
			Help: "Number of virtual users currently running",
		},
	)

	// WavesCompleted counts synchronized waves
	WavesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "echoswift_waves_completed_total",
			Help: "Total number of request waves released from the end barrier",
		},
	)

	// BarrierWait tracks how long users wait at a barrier
	BarrierWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoswift_barrier_wait_seconds",
			Help:    "Time a virtual user spends blocked at a barrier by position (start, end)",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"position"},
	)
)

// Calibration metrics
var (
	// CalibrationProbes counts probes by phase and result
	CalibrationProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "echoswift_calibration_probes_total",
			Help: "Total number of calibration probes by phase and result (satisfied, violated, error)",
		},
		[]string{"phase", "result"},
	)

	// ProbeDuration tracks how long one probe takes
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "echoswift_calibration_probe_duration_seconds",
			Help:    "Duration of a calibration probe by phase",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"phase"},
	)

	// CurrentUsers is the concurrency being probed
	CurrentUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echoswift_calibration_current_users",
			Help: "Concurrency level of the current calibration probe",
		},
	)

	// OptimalUsers is the last calibrated concurrency
	OptimalUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echoswift_calibration_optimal_users",
			Help: "Largest concurrency known to satisfy the thresholds",
		},
	)

	// ProbeTTFT and ProbeTokenLatency expose the last averaged measurement
	ProbeTTFT = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echoswift_calibration_ttft_ms",
			Help: "Averaged TTFT of the last calibration probe in milliseconds",
		},
	)
	ProbeTokenLatency = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echoswift_calibration_token_latency_ms",
			Help: "Averaged per-token latency of the last calibration probe in milliseconds",
		},
	)
	ProbeThroughput = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "echoswift_calibration_total_throughput",
			Help: "Aggregate tokens per second of the last calibration probe",
		},
	)
)

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordInferenceSuccess records a completed request
func RecordInferenceSuccess(provider string, latency, ttft time.Duration, outputTokens int) {
	InferenceRequests.WithLabelValues(provider, "success").Inc()
	InferenceLatency.WithLabelValues(provider).Observe(latency.Seconds())
	TimeToFirstToken.WithLabelValues(provider).Observe(ttft.Seconds())
	OutputTokens.WithLabelValues(provider).Observe(float64(outputTokens))
}

// RecordInferenceFailure increments the failed request counter
func RecordInferenceFailure(provider string) {
	InferenceRequests.WithLabelValues(provider, "failed").Inc()
}

// RecordDecodeErrors adds skipped stream chunks
func RecordDecodeErrors(provider string, n int) {
	if n > 0 {
		DecodeErrors.WithLabelValues(provider).Add(float64(n))
	}
}

// RecordBarrierWait records time spent at a barrier
func RecordBarrierWait(position string, d time.Duration) {
	BarrierWait.WithLabelValues(position).Observe(d.Seconds())
}

// RecordWave increments the completed wave counter
func RecordWave() {
	WavesCompleted.Inc()
}

// UserStarted and UserStopped track the active user gauge
func UserStarted() { ActiveUsers.Inc() }

// UserStopped decrements the active user gauge
func UserStopped() { ActiveUsers.Dec() }

// RecordProbe records one calibration probe
// result should be "satisfied", "violated", or "error"
func RecordProbe(phase, result string, users int, duration time.Duration) {
	CalibrationProbes.WithLabelValues(phase, result).Inc()
	ProbeDuration.WithLabelValues(phase).Observe(duration.Seconds())
	CurrentUsers.Set(float64(users))
}

// RecordMeasurement exposes the averaged metrics of the last probe
func RecordMeasurement(ttftMs, tokenLatencyMs, totalThroughput float64) {
	ProbeTTFT.Set(ttftMs)
	ProbeTokenLatency.Set(tokenLatencyMs)
	ProbeThroughput.Set(totalThroughput)
}

// SetOptimalUsers updates the calibrated concurrency gauge
func SetOptimalUsers(users int) {
	OptimalUsers.Set(float64(users))
}
