package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type promRegisterer = prometheus.Registerer

// promMetrics mirrors the control loop's counters into Prometheus. All
// methods tolerate a nil receiver so the pool works without a registry.
type promMetrics struct {
	workers     prometheus.Gauge
	queueLength prometheus.Gauge
	tasksTotal  *prometheus.CounterVec
	rejected    prometheus.Counter
	runSeconds  prometheus.Histogram
}

func newPromMetrics(reg promRegisterer) *promMetrics {
	if reg == nil {
		return nil
	}
	m := &promMetrics{
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdfmerge_pool_workers",
			Help: "Current number of live workers.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pdfmerge_pool_queue_length",
			Help: "Tasks waiting in the priority queue.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfmerge_pool_tasks_total",
			Help: "Completed tasks by outcome.",
		}, []string{"outcome"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pdfmerge_pool_tasks_rejected_total",
			Help: "Submissions rejected because the queue was full.",
		}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfmerge_pool_task_run_seconds",
			Help:    "Task execution time.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.workers, m.queueLength, m.tasksTotal, m.rejected, m.runSeconds)
	return m
}

func (m *promMetrics) setWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
}

func (m *promMetrics) setQueueLength(n int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(n))
}

func (m *promMetrics) incRejected() {
	if m == nil {
		return
	}
	m.rejected.Inc()
}

func (m *promMetrics) observeTask(d time.Duration, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.tasksTotal.WithLabelValues(outcome).Inc()
	m.runSeconds.Observe(d.Seconds())
}
