package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatewarden"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	gatewayStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "starts_total",
			Help:      "Number of gateway launches.",
		},
	)
	gatewayExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "exits_total",
			Help:      "Number of gateway exits by outcome (clean, crash, short_lived, start_error).",
		}, []string{"outcome"},
	)
	gatewayRuntime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "runtime_seconds",
			Help:      "Wall-clock lifetime of each gateway run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 14400, 86400},
		},
	)
	retryCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "retry_count",
			Help:      "Current consecutive short-lived failure count.",
		},
	)
	backoffSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "backoff_seconds",
			Help:      "Delay the supervisor will wait before the next relaunch.",
		},
	)

	syncOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Restore and push operations by outcome.",
		}, []string{"op", "outcome"},
	)
	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of restore and push operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"},
	)

	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Latency of individual health probes.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		}, []string{"probe"},
	)
	probeStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probe_status",
			Help:      "Last reported status per probe (1 = active status).",
		}, []string{"probe", "status"},
	)

	scheduleRegistrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "registrations_total",
			Help:      "Scheduled job registrations by outcome (created, exists, error).",
		}, []string{"outcome"},
	)

	topicStudies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topic",
			Name:      "studies_total",
			Help:      "Topics handed out for study.",
		}, []string{"topic"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		gatewayStarts, gatewayExits, gatewayRuntime, retryCount, backoffSeconds,
		syncOps, syncDuration, probeDuration, probeStatus,
		scheduleRegistrations, topicStudies,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeded.

func IncGatewayStart() {
	if regOK.Load() {
		gatewayStarts.Inc()
	}
}

func ObserveGatewayExit(outcome string, seconds float64) {
	if regOK.Load() {
		gatewayExits.WithLabelValues(outcome).Inc()
		gatewayRuntime.Observe(seconds)
	}
}

func SetBackoff(retries int, seconds float64) {
	if regOK.Load() {
		retryCount.Set(float64(retries))
		backoffSeconds.Set(seconds)
	}
}

func ObserveSync(op, outcome string, seconds float64) {
	if regOK.Load() {
		syncOps.WithLabelValues(op, outcome).Inc()
		syncDuration.WithLabelValues(op).Observe(seconds)
	}
}

// ObserveProbe records a probe's latency and flips its status gauge so that
// only the reported status is 1.
func ObserveProbe(probe, status string, seconds float64, known []string) {
	if !regOK.Load() {
		return
	}
	probeDuration.WithLabelValues(probe).Observe(seconds)
	for _, s := range known {
		if s != status {
			probeStatus.WithLabelValues(probe, s).Set(0)
		}
	}
	probeStatus.WithLabelValues(probe, status).Set(1)
}

func IncScheduleRegistration(outcome string) {
	if regOK.Load() {
		scheduleRegistrations.WithLabelValues(outcome).Inc()
	}
}

func IncTopicStudy(topic string) {
	if regOK.Load() {
		topicStudies.WithLabelValues(topic).Inc()
	}
}
