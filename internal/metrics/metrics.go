// Package metrics exposes the relay's Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reg = prometheus.NewRegistry()

	PushConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_push_connections_total", Help: "Total push-transport connections accepted",
	})
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total", Help: "Envelopes accepted, by transport",
	}, []string{"transport"})
	Errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total", Help: "Errors returned to clients, by code",
	}, []string{"code"})
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limited_total", Help: "Requests denied by the rate limiter, by action",
	}, []string{"action"})
	CapacityExceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_capacity_exceeded_total", Help: "Room creations refused due to the global room cap",
	})
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms_active", Help: "Live rooms",
	})
	PushPeersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_push_peers_active", Help: "Peers currently connected via push transport",
	})
	PollPeersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_poll_peers_active", Help: "Peers currently tracked via poll transport",
	})
	RoomsDestroyed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rooms_destroyed_total", Help: "Rooms destroyed, by reason",
	}, []string{"reason"})
)

func Init() {
	reg.MustRegister(
		PushConnections, MessagesRelayed, Errors, RateLimited, CapacityExceeded,
		RoomsActive, PushPeersActive, PollPeersActive, RoomsDestroyed,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SetRoomCounts updates the three population gauges in one call so a
// janitor sweep or registry mutation never reports them out of sync.
func SetRoomCounts(rooms, pushPeers, pollPeers int) {
	RoomsActive.Set(float64(rooms))
	PushPeersActive.Set(float64(pushPeers))
	PollPeersActive.Set(float64(pollPeers))
}
