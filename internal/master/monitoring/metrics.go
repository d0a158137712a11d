package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the master's Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	WorkersSpawned  *prometheus.CounterVec
	WorkersLive     *prometheus.GaugeVec
	WorkerExits     *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	Results         *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	EventDuration   *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	JobDuration     prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		WorkersSpawned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athenamp_workers_spawned_total",
				Help: "Total number of worker processes spawned",
			},
			[]string{"group"},
		),
		WorkersLive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "athenamp_workers_live",
				Help: "Number of worker processes not yet reaped",
			},
			[]string{"group"},
		),
		WorkerExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athenamp_worker_exits_total",
				Help: "Total number of reaped workers by outcome",
			},
			[]string{"group", "outcome"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athenamp_dispatches_total",
				Help: "Total number of bootstrap/exec/fin dispatches",
			},
			[]string{"group", "func"},
		),
		Results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athenamp_results_total",
				Help: "Total number of worker results by status",
			},
			[]string{"group", "func", "status"},
		),
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "athenamp_events_processed_total",
				Help: "Total number of events reported by exec results",
			},
			[]string{"group"},
		),
		EventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "athenamp_worker_mean_event_seconds",
				Help:    "Mean per-event processing time reported by each worker",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"group"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "athenamp_queue_depth",
				Help: "Records buffered in a shared queue",
			},
			[]string{"queue"},
		),
		JobDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "athenamp_job_duration_seconds",
				Help:    "Wall-clock duration of a job",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),
	}

	reg.MustRegister(
		m.WorkersSpawned,
		m.WorkersLive,
		m.WorkerExits,
		m.Dispatches,
		m.Results,
		m.EventsProcessed,
		m.EventDuration,
		m.QueueDepth,
		m.JobDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) WorkerSpawned(group string) {
	if m == nil {
		return
	}
	m.WorkersSpawned.WithLabelValues(group).Inc()
	m.WorkersLive.WithLabelValues(group).Inc()
}

func (m *Metrics) WorkerExited(group string, hard bool) {
	if m == nil {
		return
	}
	outcome := "normal"
	if hard {
		outcome = "hard_failure"
	}
	m.WorkersLive.WithLabelValues(group).Dec()
	m.WorkerExits.WithLabelValues(group, outcome).Inc()
}

func (m *Metrics) RecordDispatch(group, fn string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(group, fn).Inc()
}

func (m *Metrics) RecordResult(group, fn, status string) {
	if m == nil {
		return
	}
	m.Results.WithLabelValues(group, fn, status).Inc()
}

// RecordEvents folds one worker's exec report into the event metrics.
func (m *Metrics) RecordEvents(group string, events int64, total time.Duration) {
	if m == nil || events <= 0 {
		return
	}
	m.EventsProcessed.WithLabelValues(group).Add(float64(events))
	m.EventDuration.WithLabelValues(group).Observe(total.Seconds() / float64(events))
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) ObserveJob(d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.Observe(d.Seconds())
}
