package infra

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ingestion metrics
	ReadingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_readings_total",
		Help: "Total number of readings accepted by the ingestion server",
	})
	FrameErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_frame_errors_total",
		Help: "Total number of inbound frames rejected at the protocol boundary",
	})
	AcksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_acks_total",
		Help: "Total number of acknowledgements written back to producers",
	})
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_active_connections",
		Help: "Number of currently open producer connections",
	})
	SinkErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_sink_errors_total",
		Help: "Total number of fan-out failures reported by reading sinks",
	})

	// Durable log metrics
	FlushRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_log_flush_rows",
		Help: "Size of the last flushed segment batch",
	})
	FlushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_log_flush_duration_seconds",
		Help:    "Duration of segment flush operations in seconds",
		Buckets: prometheus.DefBuckets,
	})
	RotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_log_rotations_total",
		Help: "Total number of segment rotations",
	})
	ArchivesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_log_archives_deleted_total",
		Help: "Total number of archive entries removed by retention sweeps",
	})

	// Database metrics
	DBWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_db_writes_total",
		Help: "Total number of readings written to the database",
	})
	DBWriteErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_db_write_errors_total",
		Help: "Total number of failed database writes",
	})
	DBBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_db_batch_size",
		Help:    "Number of readings per flushed database batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	})
	HTTPRequestErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_request_errors_total",
		Help: "Total number of HTTP request errors",
	})
	HTTPDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_http_duration_seconds",
		Help:    "Duration of HTTP request processing in seconds",
		Buckets: prometheus.DefBuckets,
	})

	registerOnce      sync.Once
	metricsServerOnce sync.Once
)

func init() {
	InitMetrics()
}

// InitMetrics registers all Prometheus collectors used by the application.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ReadingsTotal,
			FrameErrorsTotal,
			AcksTotal,
			ActiveConnections,
			SinkErrorsTotal,
			FlushRows,
			FlushDurationSeconds,
			RotationsTotal,
			ArchivesDeletedTotal,
			DBWritesTotal,
			DBWriteErrorsTotal,
			DBBatchSize,
			HTTPRequestsTotal,
			HTTPRequestErrorsTotal,
			HTTPDurationSeconds,
		)
	})
}

// StartMetricsServer exposes Prometheus metrics on the given port under /metrics.
func StartMetricsServer(logger *Logger, port string) {
	InitMetrics()
	metricsServerOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		go func() {
			if err := http.ListenAndServe(":"+port, mux); err != nil {
				logger.Errorf(context.Background(), "metrics server error: %v", err)
			}
		}()
	})
}

// IncReading counts one accepted reading.
func IncReading() {
	InitMetrics()
	ReadingsTotal.Inc()
}

// IncFrameError counts one rejected frame.
func IncFrameError() {
	InitMetrics()
	FrameErrorsTotal.Inc()
}

// IncAck counts one acknowledgement written back.
func IncAck() {
	InitMetrics()
	AcksTotal.Inc()
}

// IncSinkError counts one fan-out failure.
func IncSinkError() {
	InitMetrics()
	SinkErrorsTotal.Inc()
}

// ConnOpened increments the active connection gauge.
func ConnOpened() {
	InitMetrics()
	ActiveConnections.Inc()
}

// ConnClosed decrements the active connection gauge.
func ConnClosed() {
	InitMetrics()
	ActiveConnections.Dec()
}

// RecordFlush tracks a completed segment flush.
func RecordFlush(rows int, duration time.Duration) {
	InitMetrics()
	if duration < 0 {
		duration = 0
	}
	FlushRows.Set(float64(rows))
	FlushDurationSeconds.Observe(duration.Seconds())
}

// IncRotation counts one segment rotation.
func IncRotation() {
	InitMetrics()
	RotationsTotal.Inc()
}

// AddArchivesDeleted tracks archive entries removed by a retention sweep.
func AddArchivesDeleted(n int) {
	InitMetrics()
	if n > 0 {
		ArchivesDeletedTotal.Add(float64(n))
	}
}

// IncDBWrite counts one persisted reading.
func IncDBWrite() {
	InitMetrics()
	DBWritesTotal.Inc()
}

// IncDBWriteError counts one failed database write.
func IncDBWriteError() {
	InitMetrics()
	DBWriteErrorsTotal.Inc()
}

// ObserveDBBatch tracks the size of a flushed database batch.
func ObserveDBBatch(size int) {
	InitMetrics()
	DBBatchSize.Observe(float64(size))
}

// HTTPMiddleware instruments HTTP handlers with request/latency metrics.
func HTTPMiddleware(next http.Handler) http.Handler {
	InitMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			HTTPDurationSeconds.Observe(time.Since(start).Seconds())
			HTTPRequestsTotal.Inc()
			if recorder.Status() >= http.StatusBadRequest {
				HTTPRequestErrorsTotal.Inc()
			}
		}()

		next.ServeHTTP(recorder, r)
	})
}

// statusRecorder captures the response status code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Status() int {
	return r.status
}
