package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrpace"

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests, including time spent queued.",
			// 1ms .. ~16s; queued requests can wait several pacing intervals.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Admission ----
	AdmissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "requests_total",
			Help:      "Admission decisions by outcome (admitted, rejected, canceled).",
		},
		[]string{"outcome"},
	)

	QueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "queue_wait_seconds",
			Help:      "Time between admission and dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	// ---- Gossip ----
	GossipRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "rounds_total",
			Help:      "Initiator gossip rounds by result (ok, unreachable).",
		},
		[]string{"result"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		AdmissionTotal, QueueWait,
		GossipRoundsTotal,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// RegisterNodeGauges exposes the live-instance estimate, the membership table
// size and the admission queue depth as gauges sampled at scrape time. Call
// it once per process.
func RegisterNodeGauges(live, known, depth func() int) {
	Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "live_instances",
			Help:      "Instances considered live by this node.",
		}, func() float64 { return float64(live()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gossip",
			Name:      "known_instances",
			Help:      "Instances present in the membership table.",
		}, func() float64 { return float64(known()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "queue_depth",
			Help:      "Requests waiting for dispatch.",
		}, func() float64 { return float64(depth()) }),
	)
}

// ObserveGossipRound counts one initiator round. Use it as gossip.Config.OnRound.
func ObserveGossipRound(err error) {
	if err != nil {
		GossipRoundsTotal.WithLabelValues("unreachable").Inc()
		return
	}
	GossipRoundsTotal.WithLabelValues("ok").Inc()
}

// AdmissionObserver records queue events. It satisfies admission.Observer.
type AdmissionObserver struct{}

func (AdmissionObserver) Admitted(int) {
	AdmissionTotal.WithLabelValues("admitted").Inc()
}

func (AdmissionObserver) Rejected() {
	AdmissionTotal.WithLabelValues("rejected").Inc()
}

func (AdmissionObserver) Canceled() {
	AdmissionTotal.WithLabelValues("canceled").Inc()
}

func (AdmissionObserver) Dispatched(wait time.Duration) {
	QueueWait.Observe(wait.Seconds())
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

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/doLogic", telemetry.Instrument("do_logic", http.HandlerFunc(n.DoLogic)))
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
