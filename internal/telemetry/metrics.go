package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xanadu",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xanadu",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Traversal ----
	BatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "batches_total",
			Help:      "Expansion batches run.",
		},
	)

	NodesExpanded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "nodes_expanded_total",
			Help:      "Nodes whose references were expanded.",
		},
	)

	NodesAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "nodes_added_total",
			Help:      "Nodes created in the graph, by discovery path.",
		},
		[]string{"source"}, // seed | outgoing | incoming | retry
	)

	EdgesAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "edges_added_total",
			Help:      "Edges created in the graph.",
		},
		[]string{"type"},
	)

	FrontierSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "frontier_size",
			Help:      "Ids waiting for expansion.",
		},
	)

	MissingSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "missing_size",
			Help:      "Referenced ids with no node yet.",
		},
	)

	FetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "fetch_total",
			Help:      "Fetch calls issued by the loader.",
		},
		[]string{"op", "outcome"},
	)

	FetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xanadu",
			Subsystem: "loader",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of loader fetch calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"op"},
	)

	// ---- Relays ----
	RelayQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "relay",
			Name:      "queries_total",
			Help:      "REQ subscriptions sent per relay.",
		},
		[]string{"relay", "outcome"},
	)

	RelayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "relay",
			Name:      "events_received_total",
			Help:      "Events received per relay.",
		},
		[]string{"relay"},
	)

	RelayBreakerOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xanadu",
			Subsystem: "relay",
			Name:      "breaker_open",
			Help:      "1 while the relay circuit breaker is open.",
		},
		[]string{"relay"},
	)

	// ---- Cache ----
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xanadu",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Event cache lookups by result.",
		},
		[]string{"result"}, // hit | miss
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xanadu",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "xanadu",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		BatchesTotal, NodesExpanded, NodesAdded, EdgesAdded, FrontierSize, MissingSize,
		FetchTotal, FetchDuration,
		RelayQueries, RelayEvents, RelayBreakerOpen,
		CacheLookups,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// Outcome maps an error to the "outcome" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveFetch records one loader fetch call.
func ObserveFetch(op string, start time.Time, err error) {
	FetchTotal.WithLabelValues(op, Outcome(err)).Inc()
	FetchDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the instrumentation.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("telemetry: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
