package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gridcache"
)

var (
	// TopologyVersion tracks the last adopted topology version
	TopologyVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topology_version",
			Help:      "Last topology version adopted by this node",
		},
	)

	// UpdateSequence tracks the local partition map update sequence
	UpdateSequence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_map_update_sequence",
			Help:      "Update sequence of the local partition map",
		},
	)

	// PartitionStates tracks local partitions per state
	PartitionStates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partitions",
			Help:      "Number of local partitions per state",
		},
		[]string{"state"}, // moving/owning/renting
	)

	// PartitionTransitions counts state transitions
	PartitionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_transitions_total",
			Help:      "Total number of partition state transitions",
		},
		[]string{"from", "to"},
	)

	// ExchangesTotal counts finished exchanges
	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_total",
			Help:      "Total number of partition map exchanges",
		},
		[]string{"role", "result"}, // role: coordinator/member, result: done/superseded/timeout
	)

	// ExchangeDuration measures exchange latency
	ExchangeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from topology change to local apply",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"role"},
	)

	// ProtocolViolations counts rejected partition maps
	ProtocolViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of partition maps rejected for a decreasing sequence",
		},
		[]string{"source"}, // direct/relayed
	)

	// RebalanceTransfers counts finished partition transfers
	RebalanceTransfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_transfers_total",
			Help:      "Total number of partition transfers",
		},
		[]string{"result"}, // done/failed/cancelled/lost
	)

	// RebalanceEntries counts entries received by the demander
	RebalanceEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_entries_total",
			Help:      "Total number of entries received while rebalancing",
		},
	)

	// SupplyBatches counts batches served to demanders
	SupplyBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supply_batches_total",
			Help:      "Total number of supply batches served",
		},
		[]string{"status"}, // success/error
	)

	// MemoryUsage tracks memory usage
	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_bytes",
			Help:      "Memory usage in bytes",
		},
		[]string{"type"},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "GridCache node info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Node uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}
