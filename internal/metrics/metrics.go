// Package metrics exposes the coordinator's Prometheus instrumentation.
// Everything registers on a private registry so embedded test instances
// never collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	GossipSent         prometheus.Counter
	GossipReceived     *prometheus.CounterVec // by message type
	GossipDropped      *prometheus.CounterVec // by drop reason
	BroadcastDelivered prometheus.Counter
	BroadcastFailed    prometheus.Counter
	PeerTableSize      prometheus.Gauge

	QueueDepth  prometheus.Gauge
	Claims      prometheus.Counter
	Completions prometheus.Counter
	Requeues    prometheus.Counter

	CreditsEarned prometheus.Counter
	CreditsSpent  prometheus.Counter

	ChainHeight    *prometheus.GaugeVec // by chain name
	AnchorAttempts prometheus.Counter
	AnchorFailures prometheus.Counter

	Anomalies     *prometheus.CounterVec // by severity
	BlacklistSize prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		GossipSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "gossip_sent_total",
			Help: "Signed mesh messages constructed and broadcast by this node.",
		}),
		GossipReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "gossip_received_total",
			Help: "Accepted inbound mesh messages by type.",
		}, []string{"type"}),
		GossipDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "gossip_dropped_total",
			Help: "Rejected inbound mesh messages by reason.",
		}, []string{"reason"}),
		BroadcastDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "broadcast_delivered_total",
			Help: "Per-peer deliveries that succeeded during fan-out.",
		}),
		BroadcastFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "broadcast_failed_total",
			Help: "Per-peer deliveries that failed during fan-out.",
		}),
		PeerTableSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "peer_table_size",
			Help: "Live peer table entries.",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "queue_depth",
			Help: "Subtasks currently queued or claimed.",
		}),
		Claims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "claims_total",
			Help: "Successful subtask claims.",
		}),
		Completions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "completions_total",
			Help: "Subtasks retired with an accepted result.",
		}),
		Requeues: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "requeues_total",
			Help: "Subtasks returned to the queue after timeout or failure.",
		}),

		CreditsEarned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "credits_earned_total",
			Help: "Credits accrued across all accounts.",
		}),
		CreditsSpent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "credits_spent_total",
			Help: "Credits spent across all accounts.",
		}),

		ChainHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "chain_height",
			Help: "Tail sequence per hash chain.",
		}, []string{"chain"}),
		AnchorAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "anchor_attempts_total",
			Help: "Checkpoint anchor broadcasts attempted.",
		}),
		AnchorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "anchor_failures_total",
			Help: "Checkpoint anchor broadcasts that failed.",
		}),

		Anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator", Name: "anomaly_events_total",
			Help: "Behavioral anomaly events by severity.",
		}, []string{"severity"}),
		BlacklistSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator", Name: "blacklist_size",
			Help: "Agents currently blacklisted.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
