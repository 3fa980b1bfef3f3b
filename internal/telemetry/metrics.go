package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsAccepted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_uploaded_total", Help: "Documents accepted by the ingestion gateway"})
	UploadsRejected  = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_rejected_total", Help: "Uploads rejected by validation"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_publish_failures_total", Help: "Task publishes that failed after the job row was created"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_completed_total", Help: "Jobs finished with extracted text"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_failed_total", Help: "Jobs finished in the FAILED state"})
	TasksRedelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_redelivered_total", Help: "Tasks reclaimed after a lease expired"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "documents_queue_depth", Help: "Tasks awaiting dispatch"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "documents_inflight", Help: "Tasks currently leased by the worker"})
	ExtractBusyGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "documents_extract_busy", Help: "Extraction pool workers currently busy"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsAccepted,
			UploadsRejected,
			RateLimitRejects,
			PublishFailures,
			JobsCompleted,
			JobsFailed,
			TasksRedelivered,
			QueueDepthGauge,
			InFlightGauge,
			ExtractBusyGauge,
		)
	})
	return promhttp.Handler()
}
