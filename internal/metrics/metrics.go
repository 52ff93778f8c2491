// Package metrics exposes the router's Prometheus registry: the exact
// counters and histograms the data plane reports, labelled by router and
// endpoint so a single process serving several routers reports them
// independently.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns one prometheus.Registry and the metric families the
// data plane writes to. It is safe for concurrent use; every method is
// a thin wrapper around a labelled Inc/Add/Observe call.
type Registry struct {
	reg *prometheus.Registry

	ConnectsTotal      *prometheus.CounterVec
	ActiveConnections  *prometheus.GaugeVec
	RxBytesTotal       *prometheus.CounterVec
	TxBytesTotal       *prometheus.CounterVec
	ConnectLatencyMs   *prometheus.HistogramVec
	ResolverUpdates    *prometheus.CounterVec

	ProcessHeapAllocBytes prometheus.Gauge
	ProcessGoroutines     prometheus.Gauge
	ProcessUptimeSeconds  prometheus.Gauge
	RunningInContainer    prometheus.Gauge
}

// New builds a Registry with all router families registered. Passing a
// fresh prometheus.Registry (rather than the global DefaultRegisterer)
// keeps /metrics free of the process/go_* families Prometheus's client
// would otherwise add twice if New is ever called more than once, e.g.
// in tests.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connects_total",
			Help: "Total number of outbound connect attempts made by the Balancer.",
		}, []string{"router", "endpoint", "result"}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_connections",
			Help: "Number of Duplexes currently streaming for an endpoint.",
		}, []string{"router", "endpoint"}),
		RxBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rx_bytes_total",
			Help: "Bytes received from the downstream endpoint and written to the client.",
		}, []string{"router", "endpoint"}),
		TxBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tx_bytes_total",
			Help: "Bytes received from the client and written to the downstream endpoint.",
		}, []string{"router", "endpoint"}),
		ConnectLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connect_latency_ms",
			Help:    "Time to establish (and, if configured, TLS-handshake) the outbound connection.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"router", "endpoint"}),
		ResolverUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_updates_total",
			Help: "Number of resolution states a Resolver has emitted, by outcome.",
		}, []string{"router", "result"}),
		ProcessHeapAllocBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_heap_alloc_bytes",
			Help: "Heap bytes allocated, from the last periodic runtime snapshot.",
		}),
		ProcessGoroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_goroutines",
			Help: "Number of live goroutines, from the last periodic runtime snapshot.",
		}),
		ProcessUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "process_uptime_seconds",
			Help: "Seconds since the process started.",
		}),
		RunningInContainer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "running_in_container",
			Help: "1 if the process detected a container runtime at startup, else 0.",
		}),
	}

	reg.MustRegister(
		r.ConnectsTotal,
		r.ActiveConnections,
		r.RxBytesTotal,
		r.TxBytesTotal,
		r.ConnectLatencyMs,
		r.ResolverUpdates,
		r.ProcessHeapAllocBytes,
		r.ProcessGoroutines,
		r.ProcessUptimeSeconds,
		r.RunningInContainer,
	)

	return r
}

// RecordProcessSnapshot publishes one runtime snapshot to the process_*
// gauge family, called periodically by the Admin surface.
func (r *Registry) RecordProcessSnapshot(heapAlloc, goroutines uint64, uptimeSeconds float64) {
	r.ProcessHeapAllocBytes.Set(float64(heapAlloc))
	r.ProcessGoroutines.Set(float64(goroutines))
	r.ProcessUptimeSeconds.Set(uptimeSeconds)
}

// RecordContainerised publishes the one-shot container-detection gauge.
func (r *Registry) RecordContainerised(v bool) {
	if v {
		r.RunningInContainer.Set(1)
	} else {
		r.RunningInContainer.Set(0)
	}
}

// Gatherer exposes the underlying prometheus.Gatherer for the Admin
// /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Connect result labels, kept as constants so callers can't typo a
// label value that would silently start a new series.
const (
	ResultOK           = "ok"
	ResultRefused      = "refused"
	ResultTimeout      = "timeout"
	ResultTLSError     = "tls_error"
	ResultOverload     = "overloaded"
	ResultNoEndpoints  = "no_endpoints"
	ResultNameNotFound = "name_not_found"
)

func (r *Registry) RecordConnect(router, endpoint, result string) {
	r.ConnectsTotal.WithLabelValues(router, endpoint, result).Inc()
}

func (r *Registry) ConnectionOpened(router, endpoint string) {
	r.ActiveConnections.WithLabelValues(router, endpoint).Inc()
}

func (r *Registry) ConnectionClosed(router, endpoint string) {
	r.ActiveConnections.WithLabelValues(router, endpoint).Dec()
}

func (r *Registry) AddRxBytes(router, endpoint string, n int64) {
	if n <= 0 {
		return
	}
	r.RxBytesTotal.WithLabelValues(router, endpoint).Add(float64(n))
}

func (r *Registry) AddTxBytes(router, endpoint string, n int64) {
	if n <= 0 {
		return
	}
	r.TxBytesTotal.WithLabelValues(router, endpoint).Add(float64(n))
}

func (r *Registry) ObserveConnectLatency(router, endpoint string, ms float64) {
	r.ConnectLatencyMs.WithLabelValues(router, endpoint).Observe(ms)
}

// ResolverResult labels for resolver_updates_total.
const (
	ResolverResolved = "resolved"
	ResolverFailed   = "failed"
	ResolverNotFound = "not_found"
)

func (r *Registry) RecordResolverUpdate(router, result string) {
	r.ResolverUpdates.WithLabelValues(router, result).Inc()
}
