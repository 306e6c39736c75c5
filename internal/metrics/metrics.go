// Package metrics exposes Prometheus collectors for engine operations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	sessionsStarted      prometheus.Counter
	sessionsStopped      prometheus.Counter
	sessionsReaped       prometheus.Counter
	sessionDuration      prometheus.Histogram
	trustRecalculations  prometheus.Counter
	probationTransitions prometheus.Counter
	recoveryTransitions  prometheus.Counter
	trustScore           *prometheus.GaugeVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_sessions_started_total",
			Help: "Work sessions started",
		}),
		sessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_sessions_stopped_total",
			Help: "Work sessions stopped",
		}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_sessions_reaped_total",
			Help: "Abandoned sessions force-stopped by the reaper",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentflow_session_duration_seconds",
			Help:    "Stopped session durations",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10),
		}),
		trustRecalculations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_trust_recalculations_total",
			Help: "Trust score recalculations",
		}),
		probationTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_probation_transitions_total",
			Help: "Agents placed on probation",
		}),
		recoveryTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentflow_probation_recoveries_total",
			Help: "Agents recovered from probation",
		}),
		trustScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentflow_agent_trust_score",
			Help: "Current trust score per agent",
		}, []string{"agent"}),
	}
	registry.MustRegister(
		c.sessionsStarted, c.sessionsStopped, c.sessionsReaped, c.sessionDuration,
		c.trustRecalculations, c.probationTransitions, c.recoveryTransitions,
		c.trustScore,
	)
	return c
}

// Handler serves the collector's registry; mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// All record methods are nil-safe so the engine can run without a collector.

func (c *Collector) SessionStarted() {
	if c != nil {
		c.sessionsStarted.Inc()
	}
}

func (c *Collector) SessionStopped(durationSeconds int64) {
	if c != nil {
		c.sessionsStopped.Inc()
		c.sessionDuration.Observe(float64(durationSeconds))
	}
}

func (c *Collector) SessionReaped() {
	if c != nil {
		c.sessionsReaped.Inc()
	}
}

func (c *Collector) TrustRecalculated(agentCode string, score float64) {
	if c != nil {
		c.trustRecalculations.Inc()
		c.trustScore.WithLabelValues(agentCode).Set(score)
	}
}

func (c *Collector) ProbationEntered() {
	if c != nil {
		c.probationTransitions.Inc()
	}
}

func (c *Collector) ProbationRecovered() {
	if c != nil {
		c.recoveryTransitions.Inc()
	}
}
