package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connected_peers",
		Help: "Number of peer sessions connected to this replica.",
	})
	metricRequestsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_dispatched_total",
		Help: "Requests delivered to a locally connected peer.",
	})
	metricRequestsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_forwarded_total",
		Help: "Requests handed off to another replica over the forwarder.",
	})
	metricForwardedServed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_forwarded_served_total",
		Help: "Forwarded requests served on behalf of another replica.",
	})
	metricResponsesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_responses_routed_total",
		Help: "Peer responses matched to a pending waiter.",
	})
	metricRequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_request_timeouts_total",
		Help: "Waiters that expired before the peer answered.",
	})
)
