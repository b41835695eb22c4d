package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ActiveConnections tracks live WebSocket connections.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tomonet_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
	)
	// ReachableUsers tracks users with at least one live connection.
	ReachableUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tomonet_reachable_users",
			Help: "Number of users with at least one live connection.",
		},
	)
	// ConnectionsRejected counts connections refused by per-user or global caps.
	ConnectionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomonet_connections_rejected_total",
			Help: "Connections rejected by the registry, by reason.",
		},
		[]string{"reason"},
	)
	// NotificationsTotal counts dispatcher outcomes per notification type.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomonet_notifications_total",
			Help: "Notification dispatch outcomes, by type and result.",
		},
		[]string{"type", "result"},
	)
	// NotificationQueueDropped counts queued notifications dropped on overflow.
	NotificationQueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tomonet_notification_queue_dropped_total",
			Help: "Queued notifications dropped because a user queue was full.",
		},
	)
	// PresenceBroadcasts counts presence fan-outs by transition.
	PresenceBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tomonet_presence_broadcasts_total",
			Help: "Presence broadcasts, by transition kind.",
		},
		[]string{"transition"},
	)
	// FeedFanoutBatches counts activity feed broadcast batches.
	FeedFanoutBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tomonet_feed_fanout_batches_total",
			Help: "Activity feed live broadcast batches sent.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		ReachableUsers,
		ConnectionsRejected,
		NotificationsTotal,
		NotificationQueueDropped,
		PresenceBroadcasts,
		FeedFanoutBatches,
	)
}
