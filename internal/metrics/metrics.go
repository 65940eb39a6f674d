// Package metrics collects and exposes Prometheus metrics for the gateway:
// job throughput and latency, queue depth, and fleet size.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the gateway's Prometheus instruments.
type Collector struct {
	jobsEnqueued   prometheus.Counter
	jobsDispatched prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsCancelled  prometheus.Counter

	jobLatency prometheus.Histogram

	jobsPending  prometheus.Gauge
	jobsInFlight prometheus.Gauge
	workersReady prometheus.Gauge
	workersLost  prometheus.Gauge

	processCPUPercent prometheus.Gauge
	processRSSBytes   prometheus.Gauge
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_enqueued_total",
			Help: "Total number of inference jobs enqueued",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_dispatched_total",
			Help: "Total number of jobs assigned to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_failed_total",
			Help: "Total number of jobs that ended in a client-visible error",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_jobs_cancelled_total",
			Help: "Total number of jobs cancelled by the client",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_job_latency_seconds",
			Help:    "End-to-end job latency from submission to completion",
			Buckets: prometheus.DefBuckets,
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_jobs_pending",
			Help: "Current number of jobs waiting in the queue",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_jobs_in_flight",
			Help: "Current number of jobs assigned to a worker",
		}),
		workersReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_workers_ready",
			Help: "Current number of workers in the ready state",
		}),
		workersLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_workers_lost",
			Help: "Current number of workers presumed lost by the liveness sweep",
		}),
		processCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_process_cpu_percent",
			Help: "CPU utilization of the gateway process itself",
		}),
		processRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_process_rss_bytes",
			Help: "Resident set size of the gateway process itself",
		}),
	}

	prometheus.MustRegister(
		c.jobsEnqueued,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobLatency,
		c.jobsPending,
		c.jobsInFlight,
		c.workersReady,
		c.workersLost,
		c.processCPUPercent,
		c.processRSSBytes,
	)

	return c
}

// RecordEnqueue records a job entering the queue.
func (c *Collector) RecordEnqueue() { c.jobsEnqueued.Inc() }

// RecordDispatch records a job being assigned to a worker.
func (c *Collector) RecordDispatch() { c.jobsDispatched.Inc() }

// RecordCompleted records a successful completion with its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed records a job ending in a client-visible error.
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// RecordCancelled records a client-initiated cancellation.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// UpdateQueueStats refreshes the point-in-time queue/in-flight gauges.
func (c *Collector) UpdateQueueStats(pending, inFlight int) {
	c.jobsPending.Set(float64(pending))
	c.jobsInFlight.Set(float64(inFlight))
}

// UpdateFleetStats refreshes the point-in-time worker fleet gauges.
func (c *Collector) UpdateFleetStats(ready, lost int) {
	c.workersReady.Set(float64(ready))
	c.workersLost.Set(float64(lost))
}

// UpdateProcessStats refreshes the gateway's own resource gauges, fed by
// the procstats poller.
func (c *Collector) UpdateProcessStats(cpuPercent float64, rssBytes uint64) {
	c.processCPUPercent.Set(cpuPercent)
	c.processRSSBytes.Set(float64(rssBytes))
}

// StartServer runs the Prometheus scrape endpoint. Blocks until the server
// exits or errors.
func StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
