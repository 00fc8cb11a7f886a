package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodevisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Number of successful process spawns.",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Processes that exited before their minimum alive time.",
		}, []string{"name"},
	)
	processKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "kills_total",
			Help:      "Number of process tree kills.",
		}, []string{"name"},
	)
	processRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "running",
			Help:      "1 while the process is running, 0 otherwise.",
		}, []string{"name"},
	)
	processStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "start_duration_seconds",
			Help:      "Time from launch until the process was ready or survived its minimum alive window.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)

	healthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "attempts_total",
			Help:      "Health probe attempts by result.",
		}, []string{"name", "result"},
	)
	healthWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a service to become healthy.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"name", "outcome"},
	)

	provisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "provisions_total",
			Help:      "Model provisioning runs by method (create, pull) and outcome.",
		}, []string{"method", "outcome"},
	)

	orchestratorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "state",
			Help:      "Current orchestrator state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus by kind.",
		}, []string{"kind"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Event deliveries dropped because a subscriber buffer was full.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processSpawns, processCrashes, processKills, processRunning, processStartDuration,
		healthAttempts, healthWait, provisions, orchestratorState, eventsPublished, eventsDropped,
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

// Helpers below no-op until Register has been called.

func IncSpawn(name string) {
	if regOK.Load() {
		processSpawns.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func IncKill(name string) {
	if regOK.Load() {
		processKills.WithLabelValues(name).Inc()
	}
}

func SetRunning(name string, running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		processRunning.WithLabelValues(name).Set(v)
	}
}

func ObserveStartDuration(name string, seconds float64) {
	if regOK.Load() {
		processStartDuration.WithLabelValues(name).Observe(seconds)
	}
}

func IncHealthAttempt(name string, ok bool) {
	if regOK.Load() {
		healthAttempts.WithLabelValues(name, result(ok)).Inc()
	}
}

func ObserveHealthWait(name string, seconds float64, ok bool) {
	if regOK.Load() {
		healthWait.WithLabelValues(name, result(ok)).Observe(seconds)
	}
}

func IncProvision(method string, ok bool) {
	if regOK.Load() {
		provisions.WithLabelValues(method, result(ok)).Inc()
	}
}

// SetOrchestratorState marks state as the single active orchestrator state.
func SetOrchestratorState(state string, all []string) {
	if regOK.Load() {
		for _, s := range all {
			v := 0.0
			if s == state {
				v = 1
			}
			orchestratorState.WithLabelValues(s).Set(v)
		}
	}
}

func IncEventPublished(kind string) {
	if regOK.Load() {
		eventsPublished.WithLabelValues(kind).Inc()
	}
}

func IncEventDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
