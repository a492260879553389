// Package metrics defines the prometheus instruments shared across the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sync_retry_attempts_total",
		Help: "HTTP attempts made through the retry policy, by outcome.",
	}, []string{"outcome"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sync_breaker_transitions_total",
		Help: "Circuit breaker state transitions, by target state.",
	}, []string{"state"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_sync_queue_depth",
		Help: "Number of pending entries in the offline queue.",
	})

	DrainRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sync_drain_runs_total",
		Help: "Offline queue drain passes, by result.",
	}, []string{"result"})

	ChannelReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_sync_channel_reconnects_total",
		Help: "Reconnect attempts made by the connection manager.",
	})

	ChannelMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sync_channel_messages_total",
		Help: "Messages crossing the duplex channel, by direction.",
	}, []string{"direction"})

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_sync_conflicts_resolved_total",
		Help: "Conflict records resolved, by strategy.",
	}, []string{"strategy"})
)
