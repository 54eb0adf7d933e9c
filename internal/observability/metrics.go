package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolConnections tracks pooled connections by state (active, idle).
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simplescp_pool_connections",
		Help: "Current number of pooled SSH connections by state",
	}, []string{"state"})

	// PoolConnectionsOpened counts successful new connections.
	PoolConnectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simplescp_pool_connections_opened_total",
		Help: "Total number of SSH connections established by the pool",
	})

	// PoolReuses counts Get calls served from an existing idle connection.
	PoolReuses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simplescp_pool_reuses_total",
		Help: "Total number of pooled connections handed out without a new handshake",
	})

	// PoolRemovals counts connections leaving the pool.
	PoolRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplescp_pool_removals_total",
		Help: "Total number of pooled connections removed",
	}, []string{"reason"}) // reason: idle, capacity, remote_end, closed

	// PoolConnectFailures counts failed connection attempts.
	PoolConnectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplescp_pool_connect_failures_total",
		Help: "Total number of failed SSH connection attempts",
	}, []string{"reason"}) // reason: timeout, transport, sftp, rate_limited

	// PoolOverflows counts entries admitted past capacity because every
	// pooled connection was in use.
	PoolOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simplescp_pool_overflows_total",
		Help: "Total number of connections admitted above the pool size",
	})

	// PoolConnectDuration tracks how long new connections take to become ready.
	PoolConnectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simplescp_pool_connect_duration_seconds",
		Help:    "Time from dial to ready SFTP session",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// TransfersTotal counts finished transfers.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplescp_transfers_total",
		Help: "Total number of transfers by direction and terminal status",
	}, []string{"type", "status"})

	// TransferBytes counts bytes moved by completed transfers.
	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplescp_transfer_bytes_total",
		Help: "Total bytes transferred",
	}, []string{"type"})

	// HistoryEntries tracks the number of stored history records.
	HistoryEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simplescp_history_entries",
		Help: "Current number of transfer history records",
	})
)
