package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RouterEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_router_events_total",
		Help: "Push events delivered to handlers, by kind.",
	}, []string{"kind"})
	RouterDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_router_dropped_total",
		Help: "Inbound frames dropped by the router, by reason.",
	}, []string{"reason"})
	RouterReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_router_reconnects_total",
		Help: "Reconnect-on-demand attempts made by publish.",
	})
	RouterPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_router_publish_failures_total",
		Help: "Outbound frames that could not be published.",
	})
	RouterConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_router_connected",
		Help: "1 while the push channel is connected.",
	})

	HubOnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_hub_online_conns",
		Help: "Current online websocket connections on the dev backend.",
	})
	HubBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_hub_broadcasts_total",
		Help: "Events broadcast by the dev backend hub, by kind.",
	}, []string{"kind"})
	HubBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_hub_backpressure_total",
		Help: "Times a connection's outbound queue was full.",
	})
	HubRejectedFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_hub_rejected_frames_total",
		Help: "Inbound frames the hub answered with an error frame.",
	})
)

var registerOnce sync.Once

// Register adds every collector to reg. Repeated calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			RouterEvents, RouterDropped, RouterReconnects, RouterPublishFailures, RouterConnected,
			HubOnlineConns, HubBroadcasts, HubBackpressure, HubRejectedFrames,
		)
	})
}
