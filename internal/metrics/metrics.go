package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	sourceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "source",
			Name:      "starts_total",
			Help:      "Number of successful source process starts.",
		}, []string{"source"},
	)
	sourceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "source",
			Name:      "restarts_total",
			Help:      "Number of relaunches after a crash.",
		}, []string{"source"},
	)
	sourceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "source",
			Name:      "stops_total",
			Help:      "Number of deliberate source process stops.",
		}, []string{"source"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "source",
			Name:      "state_transitions_total",
			Help:      "Number of session state transitions.",
		}, []string{"source", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tailexplorer",
			Subsystem: "source",
			Name:      "current_state",
			Help:      "Current session state (1 = active state, 0 = inactive).",
		}, []string{"source", "state"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tailexplorer",
			Subsystem: "source",
			Name:      "run_duration_seconds",
			Help:      "Duration of completed source process runs.",
			Buckets:   []float64{1, 5, 15, 60, 300, 1800, 3600, 14400, 86400},
		}, []string{"source"},
	)
	linesRead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "stream",
			Name:      "lines_read_total",
			Help:      "Lines read from source process output.",
		}, []string{"source"},
	)
	bufferTrims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "stream",
			Name:      "buffer_trims_total",
			Help:      "Times the recency buffer was trimmed back to the cleanup threshold.",
		}, []string{"source"},
	)
	bufferLines = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tailexplorer",
			Subsystem: "stream",
			Name:      "buffer_lines",
			Help:      "Current number of lines held in the recency buffer.",
		}, []string{"source"},
	)
	subscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tailexplorer",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Current number of live subscribers per source.",
		}, []string{"source"},
	)
	droppedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "stream",
			Name:      "dropped_lines_total",
			Help:      "Lines dropped from slow subscriber queues.",
		}, []string{"source"},
	)
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tailexplorer",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		sourceStarts, sourceRestarts, sourceStops, stateTransitions, currentStates,
		runDuration, linesRead, bufferTrims, bufferLines, subscribers, droppedLines,
		loginAttempts,
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(source string) {
	if regOK.Load() {
		sourceStarts.WithLabelValues(source).Inc()
	}
}

func IncRestart(source string) {
	if regOK.Load() {
		sourceRestarts.WithLabelValues(source).Inc()
	}
}

func IncStop(source string) {
	if regOK.Load() {
		sourceStops.WithLabelValues(source).Inc()
	}
}

func RecordStateTransition(source, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(source, from, to).Inc()
	}
}

func SetCurrentState(source, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(source, state).Set(value)
	}
}

func ObserveRunDuration(source string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(source).Observe(seconds)
	}
}

func IncLinesRead(source string) {
	if regOK.Load() {
		linesRead.WithLabelValues(source).Inc()
	}
}

func IncBufferTrim(source string) {
	if regOK.Load() {
		bufferTrims.WithLabelValues(source).Inc()
	}
}

func SetBufferLines(source string, n int) {
	if regOK.Load() {
		bufferLines.WithLabelValues(source).Set(float64(n))
	}
}

func SetSubscribers(source string, n int) {
	if regOK.Load() {
		subscribers.WithLabelValues(source).Set(float64(n))
	}
}

func AddDroppedLines(source string, n int) {
	if regOK.Load() && n > 0 {
		droppedLines.WithLabelValues(source).Add(float64(n))
	}
}

func IncLoginAttempt(outcome string) {
	if regOK.Load() {
		loginAttempts.WithLabelValues(outcome).Inc()
	}
}
