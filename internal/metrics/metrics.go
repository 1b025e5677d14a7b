package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procgod"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process spawns.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restarts, automatic or requested.",
		}, []string{"name", "reason"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of explicit stops, split by whether SIGKILL was needed.",
		}, []string{"name", "forced"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of unplanned process exits.",
		}, []string{"name"},
	)
	circuitTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "errored_total",
			Help:      "Number of times the unstable-restart limit marked a process errored.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state per process id (1 = active state).",
		}, []string{"id", "name", "state"},
	)
	reloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "reload_duration_seconds",
			Help:      "Duration of rolling reloads per application.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "result"},
	)
	dumps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "dumps_total",
			Help:      "Number of dump file writes.",
		}, []string{"result"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage percentage.",
		}, []string{"id", "name"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_bytes",
			Help:      "Last sampled resident memory in bytes.",
		}, []string{"id", "name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processRestarts, processStops, processCrashes, circuitTrips,
		stateTransitions, currentStates, reloadDuration, dumps, cpuPercent, memoryBytes,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Recording helpers no-op until Register succeeds.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		processStops.WithLabelValues(name, f).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func IncErrored(name string) {
	if regOK.Load() {
		circuitTrips.WithLabelValues(name).Inc()
	}
}

// RecordTransition counts a transition and moves the current-state gauge.
func RecordTransition(id, name, from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(name, from, to).Inc()
	if from != "" {
		currentStates.WithLabelValues(id, name, from).Set(0)
	}
	currentStates.WithLabelValues(id, name, to).Set(1)
}

// Forget drops per-id series for a deleted process.
func Forget(id, name string) {
	if !regOK.Load() {
		return
	}
	currentStates.DeletePartialMatch(prometheus.Labels{"id": id})
	cpuPercent.DeleteLabelValues(id, name)
	memoryBytes.DeleteLabelValues(id, name)
}

func ObserveReload(name string, ok bool, seconds float64) {
	if regOK.Load() {
		r := "ok"
		if !ok {
			r = "failed"
		}
		reloadDuration.WithLabelValues(name, r).Observe(seconds)
	}
}

func IncDump(ok bool) {
	if regOK.Load() {
		r := "ok"
		if !ok {
			r = "failed"
		}
		dumps.WithLabelValues(r).Inc()
	}
}

func SetUsage(id, name string, u Usage) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(id, name).Set(u.CPU)
		memoryBytes.WithLabelValues(id, name).Set(float64(u.Memory))
	}
}
