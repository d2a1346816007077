package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStartedTotal counts sessions created by the trigger path.
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_sessions_started_total",
		Help: "Total number of sessions created by trigger requests",
	})

	// SessionsTerminalTotal counts sessions reaching a terminal status.
	SessionsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayd_sessions_terminal_total",
		Help: "Total number of sessions reaching a terminal status, by status",
	}, []string{"status"})

	// LogEventsRelayedTotal counts log events routed from the upstream
	// connector into persistence/broadcast, by category.
	LogEventsRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayd_log_events_relayed_total",
		Help: "Total number of upstream log events relayed, by category",
	}, []string{"category"})

	// DroppedEventsTotal counts events dropped because the session was
	// already terminal (late or duplicate upstream signals).
	DroppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_dropped_events_total",
		Help: "Total number of events dropped for already-terminal sessions",
	})

	// ActiveLinks tracks currently open upstream links.
	ActiveLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayd_active_upstream_links",
		Help: "Number of upstream links currently open",
	})

	// Subscribers tracks currently attached subscribers across sessions.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayd_subscribers",
		Help: "Number of subscribers currently attached",
	})

	// PersistFailuresTotal counts record-store write failures (logged and
	// skipped so live delivery is never blocked on persistence).
	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relayd_persist_failures_total",
		Help: "Total number of record store write failures",
	})
)

// IncSessionTerminal records one session reaching the given terminal status.
func IncSessionTerminal(status string) {
	SessionsTerminalTotal.WithLabelValues(status).Inc()
}

// IncLogEventRelayed records one relayed log event of the given category.
func IncLogEventRelayed(category string) {
	LogEventsRelayedTotal.WithLabelValues(category).Inc()
}
