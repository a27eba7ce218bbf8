// Package metrics provides the process's Prometheus collectors, covering
// the HTTP surface and the domain-specific queue/slot gauges the ambient
// stack adds on top of spec.md's core contracts.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the process registers.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	QueueLength     *prometheus.GaugeVec
	GPUSlotsInUse   prometheus.Gauge
	SimulationsTotal *prometheus.CounterVec

	ServiceInfo *prometheus.GaugeVec
}

// New constructs a Metrics instance and registers every collector with
// registerer.
func New(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "segmentation_jobs_total", Help: "Total number of segmentation jobs by terminal outcome"},
			[]string{"outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "segmentation_step_duration_seconds",
				Help:    "Per-model segmentation step duration in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),
		QueueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "queue_length", Help: "Current length of a job queue"},
			[]string{"queue"},
		),
		GPUSlotsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "gpu_slots_in_use", Help: "Number of accelerator slots currently held"},
		),
		SimulationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "simulations_total", Help: "Total number of simulation jobs by simulator and outcome"},
			[]string{"simulator", "outcome"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service build information"},
			[]string{"service"},
		),
	}

	registerer.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.JobsTotal,
		m.JobDuration,
		m.QueueLength,
		m.GPUSlotsInUse,
		m.SimulationsTotal,
		m.ServiceInfo,
	)
	m.ServiceInfo.WithLabelValues(serviceName).Set(1)
	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobOutcome records a segmentation job's terminal outcome.
func (m *Metrics) RecordJobOutcome(outcome string) {
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

// RecordStepDuration records one model step's wall-clock duration.
func (m *Metrics) RecordStepDuration(model string, duration time.Duration) {
	m.JobDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordSimulationOutcome records a ROAST/SimNIBS job's terminal outcome.
func (m *Metrics) RecordSimulationOutcome(simulator, outcome string) {
	m.SimulationsTotal.WithLabelValues(simulator, outcome).Inc()
}

// SetQueueLength sets the current depth of a named queue.
func (m *Metrics) SetQueueLength(queue string, length int64) {
	m.QueueLength.WithLabelValues(queue).Set(float64(length))
}

// SetGPUSlotsInUse sets the number of accelerator slots currently held.
func (m *Metrics) SetGPUSlotsInUse(n int) {
	m.GPUSlotsInUse.Set(float64(n))
}

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes and returns the global Metrics instance, constructing it
// against prometheus.DefaultRegisterer on first call.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(serviceName, prometheus.DefaultRegisterer)
	}
	return global
}
