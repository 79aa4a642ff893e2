package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsCurrent tracks current WebSocket connections.
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connections_current",
		Help: "Current number of WebSocket connections",
	})

	// ConnectionsRejectedTotal tracks upgrades refused by access rules or limits.
	ConnectionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connections_rejected_total",
		Help: "Total WebSocket upgrades rejected",
	}, []string{"reason"})

	// MessagesReceivedTotal tracks total messages received.
	MessagesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_received_total",
		Help: "Total messages received",
	})

	// MessagesDroppedTotal tracks outbound messages dropped due to a full send queue.
	MessagesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_dropped_total",
		Help: "Total messages dropped due to full send channel",
	})

	// ProtocolErrorsTotal tracks messages rejected as malformed.
	ProtocolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Total messages rejected with a protocol error",
	})

	// AnnouncesTotal tracks accepted announces.
	AnnouncesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "announces_total",
		Help: "Total announce messages processed",
	})

	// ScrapesTotal tracks scrape requests.
	ScrapesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scrapes_total",
		Help: "Total scrape messages processed",
	})

	// OffersSentTotal tracks offers relayed to swarm members.
	OffersSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "offers_sent_total",
		Help: "Total offers relayed to peers",
	})

	// AnswersRelayedTotal tracks answers relayed to offering peers.
	AnswersRelayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "answers_relayed_total",
		Help: "Total answers relayed to peers",
	})

	// PeersReapedTotal tracks peers removed by the idle reaper.
	PeersReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peers_reaped_total",
		Help: "Total peers removed after exceeding the idle timeout",
	})

	// PeersCurrent tracks live peers across all engines.
	PeersCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peers_current",
		Help: "Current number of peers",
	})

	// SwarmsCurrent tracks live swarms across all engines.
	SwarmsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "swarms_current",
		Help: "Current number of swarms",
	})

	// ShardMigrationsTotal tracks peers moved to a different shard.
	ShardMigrationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_migrations_total",
		Help: "Total peer channels migrated between shards",
	})

	// SnapshotsRecordedTotal tracks stats snapshots persisted.
	SnapshotsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stats_snapshots_recorded_total",
		Help: "Total stats snapshots persisted to store",
	})

	// SnapshotsExpiredTotal tracks stats snapshots removed by the sweeper.
	SnapshotsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stats_snapshots_expired_total",
		Help: "Total stats snapshots expired and removed",
	})

	// StoreErrorsTotal tracks total store errors.
	StoreErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "store_errors_total",
		Help: "Total store errors",
	})
)

// IncrementReceived increments the received messages counter.
func IncrementReceived() {
	MessagesReceivedTotal.Inc()
}

// IncrementDropped increments the dropped messages counter.
func IncrementDropped() {
	MessagesDroppedTotal.Inc()
}

// IncrementProtocolErrors increments the protocol error counter.
func IncrementProtocolErrors() {
	ProtocolErrorsTotal.Inc()
}

// IncrementConnectionsRejected increments the rejected upgrades counter for reason.
func IncrementConnectionsRejected(reason string) {
	ConnectionsRejectedTotal.WithLabelValues(reason).Inc()
}

// IncrementAnnounces increments the announce counter.
func IncrementAnnounces() {
	AnnouncesTotal.Inc()
}

// IncrementScrapes increments the scrape counter.
func IncrementScrapes() {
	ScrapesTotal.Inc()
}

// AddOffersSent adds n relayed offers.
func AddOffersSent(n int) {
	OffersSentTotal.Add(float64(n))
}

// IncrementAnswersRelayed increments the relayed answers counter.
func IncrementAnswersRelayed() {
	AnswersRelayedTotal.Inc()
}

// AddPeersReaped adds n reaped peers.
func AddPeersReaped(n int) {
	PeersReapedTotal.Add(float64(n))
}

// IncrementMigrations increments the shard migration counter.
func IncrementMigrations() {
	ShardMigrationsTotal.Inc()
}

// IncrementSnapshots increments the recorded snapshots counter.
func IncrementSnapshots() {
	SnapshotsRecordedTotal.Inc()
}

// AddSnapshotsExpired adds n expired snapshots.
func AddSnapshotsExpired(n int) {
	SnapshotsExpiredTotal.Add(float64(n))
}

// IncrementStoreErrors increments the store errors counter.
func IncrementStoreErrors() {
	StoreErrorsTotal.Inc()
}
