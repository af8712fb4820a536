// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and correlation-id
// aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	JobsEnqueued     *prometheus.CounterVec // kind
	JobsCompleted    *prometheus.CounterVec // kind, outcome
	FetchFailures    *prometheus.CounterVec // adapter, reason
	DeliveriesSent   *prometheus.CounterVec // method
	DeliveryFailures *prometheus.CounterVec // method
	TempFilesRemoved prometheus.Counter
	TempFilesSwept   prometheus.Counter

	// Histograms (seconds)
	JobDuration        *prometheus.HistogramVec // kind
	FetchDuration      *prometheus.HistogramVec // adapter
	ConversionDuration prometheus.Observer

	// Gauges
	QueueDepthGauge   prometheus.Gauge
	RunningJobsGauge  *prometheus.GaugeVec // kind
	ActiveConversions prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_jobs_enqueued_total", Help: "Number of jobs enqueued"}, []string{"kind"})
		JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_jobs_completed_total", Help: "Number of jobs that left the running state"}, []string{"kind", "outcome"})
		FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_fetch_failures_total", Help: "Number of failed fetches"}, []string{"adapter", "reason"})
		DeliveriesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_deliveries_sent_total", Help: "Number of successful sink calls"}, []string{"method"})
		DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_delivery_failures_total", Help: "Number of failed sink calls"}, []string{"method"})
		TempFilesRemoved = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_temp_files_removed_total", Help: "Temporary artifacts removed by job cleanup"})
		TempFilesSwept = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_temp_files_swept_total", Help: "Orphaned temporary files removed by the sweeper"})
		JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "relay_job_duration_seconds", Help: "Job run duration seconds", Buckets: prometheus.DefBuckets}, []string{"kind"})
		FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "relay_fetch_duration_seconds", Help: "Fetch duration seconds", Buckets: prometheus.DefBuckets}, []string{"adapter"})
		ConversionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_conversion_duration_seconds", Help: "Transcode duration seconds", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_queue_depth", Help: "Current number of pending jobs"})
		RunningJobsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "relay_running_jobs", Help: "Current number of running jobs"}, []string{"kind"})
		ActiveConversions = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_active_conversions", Help: "Conversions currently holding a worker slot"})
	})
}

// RecordJobEnqueued counts a new job of kind.
func RecordJobEnqueued(kind string) {
	Init()
	JobsEnqueued.WithLabelValues(kind).Inc()
}

// RecordJobCompleted counts a finished run and observes its duration.
func RecordJobCompleted(kind, outcome string, d time.Duration) {
	Init()
	JobsCompleted.WithLabelValues(kind, outcome).Inc()
	JobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetQueueDepth records current pending job count.
func SetQueueDepth(n int) {
	Init()
	QueueDepthGauge.Set(float64(n))
}

// SetRunningJobs records how many jobs of kind are running.
func SetRunningJobs(kind string, n int) {
	Init()
	RunningJobsGauge.WithLabelValues(kind).Set(float64(n))
}

// SetActiveConversions records how many conversion slots are taken.
func SetActiveConversions(n int) {
	Init()
	ActiveConversions.Set(float64(n))
}

// RecordFetch observes a fetch attempt; reason is empty on success.
func RecordFetch(adapter string, d time.Duration, reason string) {
	Init()
	FetchDuration.WithLabelValues(adapter).Observe(d.Seconds())
	if reason != "" {
		FetchFailures.WithLabelValues(adapter, reason).Inc()
	}
}

// ObserveConversion records one finished transcode.
func ObserveConversion(d time.Duration) {
	Init()
	ConversionDuration.Observe(d.Seconds())
}

// RecordDelivery counts one sink call.
func RecordDelivery(method string, err error) {
	Init()
	if err != nil {
		DeliveryFailures.WithLabelValues(method).Inc()
		return
	}
	DeliveriesSent.WithLabelValues(method).Inc()
}

// TempFileRemoved counts one artifact removed by job cleanup.
func TempFileRemoved() {
	Init()
	TempFilesRemoved.Inc()
}

// AddTempFilesSwept counts orphans removed by the sweeper.
func AddTempFilesSwept(n int) {
	Init()
	TempFilesSwept.Add(float64(n))
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
