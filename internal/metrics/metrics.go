// Package metrics exposes the fabric's Prometheus instrumentation,
// adapted from the teacher's promauto-based metrics package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_connected_agents",
		Help: "Number of agents currently connected to this network service.",
	})
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_messages_routed_total",
		Help: "Total number of messages routed, by message type.",
	}, []string{"type"})
	MessagesUndeliverable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_messages_undeliverable_total",
		Help: "Total number of direct messages that could not be delivered, by reason.",
	}, []string{"reason"})
	PipelineDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_pipeline_drops_total",
		Help: "Total number of envelopes dropped by a mod pipeline stage, by mod name.",
	}, []string{"mod"})
	RouteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fabric_route_duration_seconds",
		Help:    "Duration of end-to-end message routing, from receipt to delivery or drop.",
		Buckets: prometheus.DefBuckets,
	})
	IdentityClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_identity_claims_total",
		Help: "Total number of agent-id claim attempts, by outcome.",
	}, []string{"outcome"})
	IdentityCertificatesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_identity_certificates_active",
		Help: "Number of currently live (unexpired) identity certificates.",
	})
	ConnectionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_connection_timeouts_total",
		Help: "Total number of connections evicted for exceeding agent_timeout.",
	})
	DiscoveryAnnouncements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_discovery_announcements_total",
		Help: "Total number of decentralized discovery announcements sent.",
	})
)
