// Package monitoring exposes Prometheus metrics and the durable error log.
package monitoring

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ifuryst/postwave/internal/models"
)

const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeRetry     = "retry"
	OutcomeSkipped   = "skipped"
)

// Metrics holds every collector on a private registry so tests and multiple
// servers in one process do not collide on the default registry.
type Metrics struct {
	registry *prometheus.Registry

	PublishTotal       *prometheus.CounterVec
	PublishDuration    *prometheus.HistogramVec
	NotificationErrors *prometheus.CounterVec
	SweepRuns          *prometheus.CounterVec
	SweepSchedules     *prometheus.CounterVec
	ScheduleStatus     *prometheus.GaugeVec
	QueueLength        prometheus.Gauge
	BreakerState       *prometheus.GaugeVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	namespace = strings.ReplaceAll(namespace, "-", "_")
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.PublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_total",
		Help:      "Publish executions by provider and outcome",
	}, []string{"provider", "outcome"})

	m.PublishDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "publish_duration_seconds",
		Help:      "Provider publish call latency",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider"})

	m.NotificationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notification_errors_total",
		Help:      "Notifications that could not be delivered",
	}, []string{"event"})

	m.SweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Reconciliation sweep runs by result",
	}, []string{"result"})

	m.SweepSchedules = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_schedules_total",
		Help:      "Schedules handled by the reconciliation sweep",
	}, []string{"action"})

	m.ScheduleStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "schedules",
		Help:      "Schedules by status",
	}, []string{"status"})

	m.QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_jobs",
		Help:      "Jobs waiting in the delayed queue",
	})

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_circuit_state",
		Help:      "Provider circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"provider"})

	m.httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status"})

	m.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	m.registry.MustRegister(
		m.PublishTotal,
		m.PublishDuration,
		m.NotificationErrors,
		m.SweepRuns,
		m.SweepSchedules,
		m.ScheduleStatus,
		m.QueueLength,
		m.BreakerState,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObservePublish(provider, outcome string, took time.Duration) {
	m.PublishTotal.WithLabelValues(provider, outcome).Inc()
	if took > 0 {
		m.PublishDuration.WithLabelValues(provider).Observe(took.Seconds())
	}
}

func (m *Metrics) NotificationFailed(event string) {
	m.NotificationErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) SetScheduleCounts(counts map[models.ScheduleStatus]int64) {
	for _, st := range []models.ScheduleStatus{
		models.ScheduleStatusPending,
		models.ScheduleStatusQueued,
		models.ScheduleStatusPublished,
		models.ScheduleStatusFailed,
		models.ScheduleStatusCancelled,
	} {
		m.ScheduleStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) SetBreakerState(provider string, state circuitbreaker.State) {
	v := 0.0
	switch state {
	case circuitbreaker.HalfOpenState:
		v = 1
	case circuitbreaker.OpenState:
		v = 2
	}
	m.BreakerState.WithLabelValues(provider).Set(v)
}

// GinMiddleware records request counts and latency per route template
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
