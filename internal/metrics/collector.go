package metrics

import (
	"runtime"
	"time"
)

// Collector collects periodic runtime metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	c.collectMemory()
	c.collectUptime()
}

func (c *Collector) collectMemory() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}

func (c *Collector) collectUptime() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordTransition records one partition state change
func RecordTransition(from, to string) {
	PartitionTransitions.WithLabelValues(from, to).Inc()
}

// RecordPartitionStates replaces the per-state partition gauges
func RecordPartitionStates(moving, owning, renting int) {
	PartitionStates.WithLabelValues("moving").Set(float64(moving))
	PartitionStates.WithLabelValues("owning").Set(float64(owning))
	PartitionStates.WithLabelValues("renting").Set(float64(renting))
}

// RecordExchange records a finished exchange
func RecordExchange(coordinator bool, result string, duration time.Duration) {
	role := "member"
	if coordinator {
		role = "coordinator"
	}
	ExchangesTotal.WithLabelValues(role, result).Inc()
	if result == "done" {
		ExchangeDuration.WithLabelValues(role).Observe(duration.Seconds())
	}
}

// RecordProtocolViolation records a rejected partition map
func RecordProtocolViolation(direct bool) {
	source := "relayed"
	if direct {
		source = "direct"
	}
	ProtocolViolations.WithLabelValues(source).Inc()
}

// RecordTransfer records a finished partition transfer
func RecordTransfer(result string, entries int) {
	RebalanceTransfers.WithLabelValues(result).Inc()
	RebalanceEntries.Add(float64(entries))
}

// RecordSupplyBatch records a served supply batch
func RecordSupplyBatch(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	SupplyBatches.WithLabelValues(status).Inc()
}
