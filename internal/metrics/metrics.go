// Package metrics exposes Prometheus instrumentation for the delivery core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsCommitted counts producer commits that made it through
	// allocation and the durable log, per channel.
	EventsCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncwire_events_committed_total",
		Help: "Events committed to the durable log.",
	}, []string{"channel"})

	// GapsDetected counts live events classified as a gap by a session.
	GapsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncwire_gaps_detected_total",
		Help: "Live events that exposed a missing range on a session.",
	})

	// CatchUpFetches counts catch-up queries by outcome
	// (ok, incomplete, range_too_large, error).
	CatchUpFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "syncwire_catchup_fetches_total",
		Help: "Catch-up range fetches by outcome.",
	}, []string{"outcome"})

	// ResyncsForced counts sessions sent back to a full resynchronization.
	ResyncsForced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncwire_resyncs_forced_total",
		Help: "Sessions forced into full resynchronization.",
	})

	// LiveConnections tracks currently registered websocket connections.
	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "syncwire_live_connections",
		Help: "Currently connected websocket clients.",
	})

	// PushesDropped counts events dropped at a connection's delivery queue;
	// these are recovered later by gap detection, not retried.
	PushesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "syncwire_pushes_dropped_total",
		Help: "Events dropped at a full per-connection delivery queue.",
	})
)
