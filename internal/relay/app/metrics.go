package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboundReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "inbound_received_total",
			Help:      "Total inbound user messages accepted and stored.",
		},
		[]string{"content_type"},
	)

	inboundDuplicatesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "inbound_duplicates_total",
			Help:      "Total inbound messages suppressed by the dedup filter.",
		},
	)

	inboundBlockedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "inbound_blocked_total",
			Help:      "Total inbound messages rejected because the sender is blocked.",
		},
	)

	inboundUnsupportedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "inbound_unsupported_total",
			Help:      "Total inbound messages discarded as unsupported content.",
		},
	)

	drainBatchesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "drain_batches_total",
			Help:      "Total drain batches processed.",
		},
	)

	drainForwardedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "drain_forwarded_total",
			Help:      "Total messages forwarded to the operator.",
		},
		[]string{"content_type"},
	)

	drainForwardFailuresCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "drain_forward_failures_total",
			Help:      "Total per-message forward failures during a drain.",
		},
	)

	drainDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "drain_duration_seconds",
			Help:      "Duration of a full drain cycle.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	repliesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "replies_total",
			Help:      "Total operator replies by resolution outcome.",
		},
		[]string{"outcome"}, // "delivered", "unresolved", "failed"
	)

	broadcastRecipientsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "broadcast_recipients_total",
			Help:      "Total broadcast recipient attempts by status.",
		},
		[]string{"status"}, // "sent", "failed"
	)

	operatorPingsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "operator_pings_total",
			Help:      "Total new-message pings delivered to the operator.",
		},
	)
)
