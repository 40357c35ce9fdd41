// Package metrics holds the Prometheus collectors of the outreach pipeline.
//
// Every collector lives on a private prometheus.Registry owned by Registry,
// so tests and multiple pipelines in one process never collide on the
// default registry.
//
// # Naming
//
//	leadflow_sender_cycles_total{outcome}       one per sender cycle
//	leadflow_contacts_discovered_total          scanner hand-offs
//	leadflow_queue_tasks_total{result}          completed / retried / dropped / purged
//	leadflow_requeue_total{action}              requeued / deleted by RequeueFailed
//	leadflow_contacts{status}                   live ledger counts (gauge)
//	leadflow_queue_depth, leadflow_history_size, leadflow_limiter_window,
//	leadflow_scanner_offset                     gauges refreshed by the pipeline
//	leadflow_http_requests_total{method,path,status}
//	leadflow_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadflow"

// Registry holds all application metrics.
type Registry struct {
	reg *prometheus.Registry

	// ─── counters ──────────────────────────────────────────────────────────
	SenderCycles *prometheus.CounterVec
	Discovered   prometheus.Counter
	QueueTasks   *prometheus.CounterVec
	Requeue      *prometheus.CounterVec

	// ─── gauges ────────────────────────────────────────────────────────────
	Contacts       *prometheus.GaugeVec
	QueueDepth     prometheus.Gauge
	HistorySize    prometheus.Gauge
	LimiterWindow  prometheus.Gauge
	ScannerOffset  prometheus.Gauge
	NextSendInSecs prometheus.Gauge

	// ─── http ──────────────────────────────────────────────────────────────
	HTTPReqs *prometheus.CounterVec
	HTTPDur  *prometheus.HistogramVec
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		SenderCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sender", Name: "cycles_total",
			Help: "Sender cycles by outcome.",
		}, []string{"outcome"}),
		Discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "contacts_discovered_total",
			Help: "New contacts handed off by the scanner.",
		}),
		QueueTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "tasks_total",
			Help: "Queue task transitions by result.",
		}, []string{"result"}),
		Requeue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requeue_total",
			Help: "Failed contacts requeued or deleted.",
		}, []string{"action"}),
		Contacts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "contacts",
			Help: "Contacts in the ledger by status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Live tasks in the outreach queue.",
		}),
		HistorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "history_size",
			Help: "Entries in the sent history.",
		}),
		LimiterWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "window",
			Help: "Sends inside the current burst window.",
		}),
		ScannerOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "offset",
			Help: "Last processed feed entry id.",
		}),
		NextSendInSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "limiter", Name: "next_send_seconds",
			Help: "Seconds until the limiter grants the next token.",
		}),
		HTTPReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Status server requests.",
		}, []string{"method", "path", "status"}),
		HTTPDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Status server request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.SenderCycles, r.Discovered, r.QueueTasks, r.Requeue,
		r.Contacts, r.QueueDepth, r.HistorySize, r.LimiterWindow, r.ScannerOffset, r.NextSendInSecs,
		r.HTTPReqs, r.HTTPDur,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveHTTP records one status-server request.
func (r *Registry) ObserveHTTP(method, path string, status int, d time.Duration) {
	r.HTTPReqs.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.HTTPDur.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler renders the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
