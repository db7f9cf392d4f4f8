package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"
)

const namespace = "dae"

// WorkerMetrics observes the job pool and individual stages.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	jobTotal      *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobInFlight   prometheus.Gauge
	queueLag      prometheus.Histogram
	queueDepth    prometheus.Gauge
	leaseExpired  *prometheus.CounterVec
	stageTotal    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	jobTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "jobs_total",
			Help:        "Total analysis jobs handled by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "job_duration_seconds",
			Help:        "Analysis job duration in seconds by outcome.",
			Buckets:     []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	jobInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "jobs_in_flight",
			Help:        "Number of analysis jobs currently claimed by this process.",
			ConstLabels: constLabels,
		},
	)
	queueLag := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "queue_lag_seconds",
			Help:        "Delay between job enqueue and claim.",
			Buckets:     []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "queue_depth",
			Help:        "Jobs submitted and waiting for a worker.",
			ConstLabels: constLabels,
		},
	)
	leaseExpired := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "lease_expired_total",
			Help:        "Claims whose lease expired, by whether the job was requeued.",
			ConstLabels: constLabels,
		},
		[]string{"requeued"},
	)
	stageTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "stage",
			Name:        "runs_total",
			Help:        "Stage executions by stage and outcome.",
			ConstLabels: constLabels,
		},
		[]string{"stage", "status"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "stage",
			Name:        "duration_seconds",
			Help:        "Stage execution duration in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "provider",
			Name:        "circuit_state",
			Help:        "Circuit breaker state per operation (0 closed, 1 half-open, 2 open).",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	registry.MustRegister(jobTotal, jobDuration, jobInFlight, queueLag, queueDepth, leaseExpired, stageTotal, stageDuration, breakerState)

	return &WorkerMetrics{
		registry:      registry,
		service:       service,
		jobTotal:      jobTotal,
		jobDuration:   jobDuration,
		jobInFlight:   jobInFlight,
		queueLag:      queueLag,
		queueDepth:    queueDepth,
		leaseExpired:  leaseExpired,
		stageTotal:    stageTotal,
		stageDuration: stageDuration,
		breakerState:  breakerState,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry so servers can merge it.
func (m *WorkerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *WorkerMetrics) JobStarted() {
	m.jobInFlight.Inc()
}

func (m *WorkerMetrics) JobFinished(duration time.Duration, err error) {
	m.jobInFlight.Dec()
	status := outcomeLabel(err == nil)
	m.jobTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.Observe(lag.Seconds())
}

func (m *WorkerMetrics) LeaseExpired(requeued bool) {
	label := "false"
	if requeued {
		label = "true"
	}
	m.leaseExpired.WithLabelValues(label).Inc()
}

func (m *WorkerMetrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *WorkerMetrics) ObserveStage(stage string, succeeded bool, duration time.Duration) {
	m.stageTotal.WithLabelValues(stage, outcomeLabel(succeeded)).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// BreakerStateChanged tracks provider circuit transitions.
func (m *WorkerMetrics) BreakerStateChanged(operation string, _, to gobreaker.State) {
	m.breakerState.WithLabelValues(operation).Set(float64(to))
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
