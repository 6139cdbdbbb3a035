package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync operations reported to metrics.
const (
	SyncOperationCreate   = "create_student"
	SyncOperationFinalize = "finalize"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the enrollment workflow.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	stepTotal       *prometheus.CounterVec
	syncTotal       *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	reconciled      *prometheus.CounterVec
	syncBacklog     prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	stepTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrollment_step_submissions_total",
		Help: "Step submissions by step number and outcome",
	}, []string{"step", "outcome"})

	syncTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_sync_total",
		Help: "Compliance synchronization attempts by operation and outcome",
	}, []string{"operation", "outcome"})

	syncDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "compliance_sync_duration_seconds",
		Help:    "Duration of compliance store writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	reconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "compliance_reconcile_records_total",
		Help: "Records processed by the reconciler by outcome",
	}, []string{"outcome"})

	syncBacklog := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "compliance_sync_backlog",
		Help: "Records found in sync_failed at the last reconciliation sweep",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, stepTotal, syncTotal, syncDuration, reconciled, syncBacklog, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		stepTotal:       stepTotal,
		syncTotal:       syncTotal,
		syncDuration:    syncDuration,
		reconciled:      reconciled,
		syncBacklog:     syncBacklog,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordStep counts a step submission outcome.
func (m *MetricsService) RecordStep(step int, outcome string) {
	if m == nil {
		return
	}
	m.stepTotal.WithLabelValues(fmt.Sprintf("%d", step), outcome).Inc()
}

// RecordSync counts a compliance write and its latency.
func (m *MetricsService) RecordSync(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.syncTotal.WithLabelValues(operation, outcome).Inc()
	m.syncDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordReconcile counts one reconciled record.
func (m *MetricsService) RecordReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(outcome).Inc()
}

// SetSyncBacklog publishes the size of the sync_failed backlog.
func (m *MetricsService) SetSyncBacklog(n int) {
	if m == nil {
		return
	}
	m.syncBacklog.Set(float64(n))
}
