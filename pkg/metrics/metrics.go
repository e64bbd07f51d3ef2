package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confmesh_active_connections",
		Help: "Number of open signaling connections",
	})
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confmesh_active_rooms",
		Help: "Number of live rooms",
	})
	ActivePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confmesh_active_peers",
		Help: "Number of joined peers across all rooms",
	})
	ActiveMediaSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "confmesh_active_media_sessions",
		Help: "Number of live server-side media sessions",
	})
)

// Counters
var (
	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confmesh_signaling_messages_total",
		Help: "Signaling envelopes received by message type",
	}, []string{"type"})
	SignalingDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_signaling_dropped_total",
		Help: "Non-critical envelopes dropped from outbound queues",
	})
	ProtocolViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_protocol_violations_total",
		Help: "Malformed envelopes, illegal transitions and bad routes",
	})
	RTPPacketsForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_rtp_packets_forwarded_total",
		Help: "RTP packets written to forwarder links",
	})
	RTPPacketsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_rtp_packets_dropped_total",
		Help: "RTP packets dropped on full forwarder links",
	})
	CredentialsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_turn_credentials_issued_total",
		Help: "TURN credentials handed out over the HTTP facade",
	})
	MediaSessionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confmesh_media_session_failures_total",
		Help: "Media sessions closed on transport failure or ICE negotiation timeout",
	})
)
