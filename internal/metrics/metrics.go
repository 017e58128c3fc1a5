package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	poolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clustr",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Pooled connections per storage type and state (open, idle).",
		}, []string{"storage", "state"},
	)
	queriesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustr",
			Subsystem: "query",
			Name:      "enqueued_total",
			Help:      "Number of asynchronous statements accepted into the queue.",
		}, []string{"storage"},
	)
	queriesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustr",
			Subsystem: "query",
			Name:      "rejected_total",
			Help:      "Number of statements rejected before execution.",
		}, []string{"reason"},
	)
	queriesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustr",
			Subsystem: "query",
			Name:      "executed_total",
			Help:      "Number of executed statements by mode and outcome.",
		}, []string{"storage", "mode", "outcome"},
	)
	queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clustr",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Statement execution time including connection checkout.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"storage", "mode"},
	)
	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clustr",
			Subsystem: "query",
			Name:      "queue_length",
			Help:      "Statements waiting for a worker.",
		},
	)
	workers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clustr",
			Subsystem: "query",
			Name:      "workers",
			Help:      "Running query workers.",
		},
	)
	outstandingResults = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clustr",
			Subsystem: "query",
			Name:      "outstanding_results",
			Help:      "Synchronous results not yet destroyed by their caller.",
		},
	)

	pulses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustr",
			Subsystem: "directory",
			Name:      "pulses_total",
			Help:      "Number of liveness pulses written.",
		}, []string{"cluster", "outcome"},
	)
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustr",
			Subsystem: "directory",
			Name:      "registrations_total",
			Help:      "Process registration attempts by outcome.",
		}, []string{"cluster", "type", "outcome"},
	)
	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustr",
			Subsystem: "directory",
			Name:      "status_transitions_total",
			Help:      "Number of status transitions of the local process record.",
		}, []string{"type", "from", "to"},
	)
	lastPulse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "clustr",
			Subsystem: "directory",
			Name:      "last_pulse_timestamp_seconds",
			Help:      "Unix time of the last successful pulse.",
		}, []string{"cluster", "type"},
	)
	purged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clustr",
			Subsystem: "directory",
			Name:      "purged_total",
			Help:      "Dead process records removed by sweeps.",
		}, []string{"cluster"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		poolConnections, queriesEnqueued, queriesRejected, queriesExecuted, queryDuration,
		queueLength, workers, outstandingResults,
		pulses, registrations, statusTransitions, lastPulse, purged,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// NewServer returns an unstarted server exposing Handler on addr at /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func SetPoolConnections(storage string, open, idle int) {
	if regOK.Load() {
		poolConnections.WithLabelValues(storage, "open").Set(float64(open))
		poolConnections.WithLabelValues(storage, "idle").Set(float64(idle))
	}
}

func IncEnqueued(storage string) {
	if regOK.Load() {
		queriesEnqueued.WithLabelValues(storage).Inc()
	}
}

func IncRejected(reason string) {
	if regOK.Load() {
		queriesRejected.WithLabelValues(reason).Inc()
	}
}

func ObserveQuery(storage, mode string, seconds float64, err error) {
	if !regOK.Load() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	queriesExecuted.WithLabelValues(storage, mode, outcome).Inc()
	queryDuration.WithLabelValues(storage, mode).Observe(seconds)
}

func SetQueueLength(n int) {
	if regOK.Load() {
		queueLength.Set(float64(n))
	}
}

func SetWorkers(n int) {
	if regOK.Load() {
		workers.Set(float64(n))
	}
}

func SetOutstandingResults(n int) {
	if regOK.Load() {
		outstandingResults.Set(float64(n))
	}
}

func IncPulse(cluster string, err error) {
	if !regOK.Load() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	pulses.WithLabelValues(cluster, outcome).Inc()
}

func SetLastPulse(cluster, typ string, t time.Time) {
	if regOK.Load() {
		lastPulse.WithLabelValues(cluster, typ).Set(float64(t.Unix()))
	}
}

func IncRegistration(cluster, typ, outcome string) {
	if regOK.Load() {
		registrations.WithLabelValues(cluster, typ, outcome).Inc()
	}
}

func RecordStatusTransition(typ, from, to string) {
	if regOK.Load() {
		statusTransitions.WithLabelValues(typ, from, to).Inc()
	}
}

func AddPurged(cluster string, n int64) {
	if regOK.Load() && n > 0 {
		purged.WithLabelValues(cluster).Add(float64(n))
	}
}
