// Package observability holds the Prometheus metrics and the audit trail.
package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tollgate"

type metrics struct {
	registry *prometheus.Registry

	queueDepth   *prometheus.GaugeVec
	enqueued     *prometheus.CounterVec
	completed    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	storeDuration *prometheus.HistogramVec
	storeErrors   *prometheus.CounterVec

	toolRuns     *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	approvals *prometheus.CounterVec
	pending   prometheus.Gauge

	runs          *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
	modelErrors   *prometheus.CounterVec

	connections prometheus.Gauge
	swept       prometheus.Counter
}

var (
	once sync.Once
	m    *metrics
)

func get() *metrics {
	once.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		f := promauto.With(reg)

		counter := func(name, help string, labels ...string) *prometheus.CounterVec {
			return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
		}
		histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
			return f.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace, Name: name, Help: help, Buckets: prometheus.DefBuckets,
			}, labels)
		}
		gauge := func(name, help string) prometheus.Gauge {
			return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		}

		m = &metrics{
			registry: reg,

			queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace, Name: "queue_size", Help: "Tasks waiting per lane kind.",
			}, []string{"lane"}),
			enqueued:     counter("enqueue_total", "Tasks enqueued per lane kind.", "lane"),
			completed:    counter("dequeue_total", "Tasks finished per lane kind and status.", "lane", "status"),
			taskDuration: histogram("task_duration_seconds", "Task run time per lane kind.", "lane"),

			storeDuration: histogram("store_operation_duration_seconds", "Thread store latency.", "backend", "op"),
			storeErrors:   counter("store_errors_total", "Thread store failures.", "backend", "op"),

			toolRuns:     counter("tool_execution_total", "Tool executions per tool and status.", "tool", "status"),
			toolDuration: histogram("tool_execution_duration_seconds", "Tool run time per tool.", "tool"),

			approvals: counter("approvals_total", "Approval requests and decisions per tool.", "tool", "outcome"),
			pending:   gauge("pending_approvals", "Approvals requested by this process and not yet decided."),

			runs:          counter("run_total", "Runner operations per resulting state.", "op", "state"),
			modelDuration: histogram("model_call_duration_seconds", "Model completion latency.", "provider"),
			modelErrors:   counter("model_errors_total", "Model completion failures.", "provider", "transient"),

			connections: gauge("gateway_connections", "Open gateway websocket connections."),
			swept: f.NewCounter(prometheus.CounterOpts{
				Namespace: namespace, Name: "threads_swept_total", Help: "Completed threads removed by retention.",
			}),
		}
	})
	return m
}

// EnsureRegistered builds the metric set if it does not exist yet.
func EnsureRegistered() { get() }

// MetricsHandler serves the metric set in the Prometheus exposition format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(get().registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func RecordQueueEnqueue(lane string, depth int) {
	mm := get()
	mm.enqueued.WithLabelValues(lane).Inc()
	mm.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordQueueCompletion(lane string, d time.Duration, success bool, depth int) {
	status := "error"
	if success {
		status = "success"
	}
	mm := get()
	mm.completed.WithLabelValues(lane, status).Inc()
	mm.taskDuration.WithLabelValues(lane).Observe(d.Seconds())
	mm.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

func RecordStoreOp(backend, op string, d time.Duration, err error) {
	mm := get()
	mm.storeDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	if err != nil {
		mm.storeErrors.WithLabelValues(backend, op).Inc()
	}
}

func RecordToolExecution(tool, status string, d time.Duration) {
	mm := get()
	mm.toolRuns.WithLabelValues(tool, status).Inc()
	mm.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordApprovalRequested counts a suspension on a gated tool.
func RecordApprovalRequested(tool string) {
	mm := get()
	mm.approvals.WithLabelValues(tool, "requested").Inc()
	mm.pending.Inc()
}

// RecordApprovalDecided counts an applied decision. The pending gauge is
// per process, so it can go negative for approvals requested before a
// restart.
func RecordApprovalDecided(tool, outcome string) {
	mm := get()
	mm.approvals.WithLabelValues(tool, outcome).Inc()
	mm.pending.Dec()
}

func RecordRun(op, state string) {
	get().runs.WithLabelValues(op, state).Inc()
}

func RecordModelCall(provider string, d time.Duration, err error, transient bool) {
	mm := get()
	mm.modelDuration.WithLabelValues(provider).Observe(d.Seconds())
	if err != nil {
		mm.modelErrors.WithLabelValues(provider, strconv.FormatBool(transient)).Inc()
	}
}

func SetGatewayConnections(n int) { get().connections.Set(float64(n)) }

func RecordThreadsSwept(n int) { get().swept.Add(float64(n)) }
