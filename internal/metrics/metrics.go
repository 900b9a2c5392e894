// Package metrics provides Prometheus instrumentation for the random-chat
// server: gauges for connections, queue size and active rooms, counters
// for matches and messages, and a histogram of time spent waiting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "randomchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MatchQueueSize tracks the current number of users in the matching queue.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "randomchat_match_queue_size",
		Help: "Current number of users in matching queue",
	})

	// MatchDuration records how long each matched user waited in the queue.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "randomchat_match_duration_seconds",
		Help:    "Time from enqueue to match found",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 20, 30, 45, 60, 120},
	})

	// MatchesTotal counts pairings, labeled by whether filters were bypassed.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_matches_total",
		Help: "Total number of pairings made",
	}, []string{"filter_bypassed"})

	// MatchRejections counts refused match attempts by rejection code.
	MatchRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_match_rejections_total",
		Help: "Total number of rejected match attempts",
	}, []string{"code"})

	// ActiveRooms tracks rooms created by the matcher that have not ended.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "randomchat_active_rooms",
		Help: "Current number of active chat rooms",
	})

	// RoomEndsTotal counts room teardowns by reason ("left", "timeout").
	RoomEndsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_room_ends_total",
		Help: "Total number of ended rooms",
	}, []string{"reason"})

	// MessagesTotal counts chat messages by outcome: "relayed", "rejected"
	// or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// ClientFramesTotal counts inbound client messages by type. Frames that
	// fail to parse are counted as "invalid".
	ClientFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_client_frames_total",
		Help: "Total number of client messages received",
	}, []string{"type"})

	// RateLimitedTotal counts requests refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "randomchat_rate_limited_total",
		Help: "Total number of rate limited requests",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MatchQueueSize,
		MatchDuration,
		MatchesTotal,
		MatchRejections,
		ActiveRooms,
		RoomEndsTotal,
		MessagesTotal,
		RateLimitedTotal,
		ClientFramesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
