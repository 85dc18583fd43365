// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "converse_messages_sent_total",
			Help: "Total messages persisted and published",
		},
	)

	MessagesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "converse_messages_failed_total",
			Help: "Total message sends rejected by persistence",
		},
	)

	DuplicatesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "converse_duplicate_events_dropped_total",
			Help: "Total duplicate live events absorbed by the message store",
		},
	)

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "converse_channel_reconnects_total",
			Help: "Total subscription re-establishments after connection loss",
		},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "converse_online_users",
			Help: "Users currently considered online",
		},
	)

	TypingRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "converse_typing_records",
			Help: "Live remote typing records",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "converse_active_sessions",
			Help: "Connected engine sessions",
		},
	)
)
