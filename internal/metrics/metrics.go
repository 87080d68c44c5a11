// Package metrics holds the prometheus collectors shared by the server and
// device sides.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canvass"

// Flush outcome label values.
const (
	OutcomeSynced   = "synced"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
	OutcomeDead     = "dead_lettered"
)

type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionConflicts  prometheus.Counter
	FlushEntries      *prometheus.CounterVec
	FlushPasses       prometheus.Counter
	QueueDepth        prometheus.Gauge
	DeadLetters       prometheus.Gauge
	BreakerState      prometheus.Gauge
	AnalyticsDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_started_total",
			Help: "Check-in sessions started.",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_completed_total",
			Help: "Check-in sessions completed.",
		}),
		SessionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_conflicts_total",
			Help: "Session starts rejected because the location already had an active session.",
		}),
		FlushEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_flush_entries_total",
			Help: "Offline queue entries processed by flush passes, by outcome.",
		}, []string{"outcome"}),
		FlushPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_flush_passes_total",
			Help: "Offline queue flush passes.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Pending offline queue entries.",
		}),
		DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_dead_letters",
			Help: "Offline queue entries awaiting manual resolution.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_breaker_state",
			Help: "Store circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
		AnalyticsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "analytics_duration_seconds",
			Help:    "Time to compute derived analytics.",
			Buckets: prometheus.DefBuckets,
		}, []string{"computation"}),
	}
	m.registry.MustRegister(
		m.SessionsStarted, m.SessionsCompleted, m.SessionConflicts,
		m.FlushEntries, m.FlushPasses, m.QueueDepth, m.DeadLetters,
		m.BreakerState, m.AnalyticsDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
