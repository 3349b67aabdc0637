package nvme

import (
	"sync/atomic"
	"time"

	"github.com/nvme-go/nvmectrlr/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one
// controller: bring-up progress, admin command traffic, AER activity
// and qpair lifecycle churn.
type Metrics struct {
	// State machine counters
	StateTransitions atomic.Uint64 // Total init/reset state transitions
	Resets           atomic.Uint64 // Transitions observed into INIT_DELAY after the first

	// Register access counters
	RegisterOps    atomic.Uint64 // Total register reads/writes observed
	RegisterErrors atomic.Uint64 // Register operations that failed

	// Admin command counters
	AdminCompletions atomic.Uint64 // Total admin command completions
	AdminErrors      atomic.Uint64 // Completions with non-success status

	// AER counters
	AEREvents  atomic.Uint64 // AER completions delivered
	AERReposts atomic.Uint64 // AERs reposted into vacated slots

	// Qpair lifecycle counters
	QpairAllocs     atomic.Uint64
	QpairFrees      atomic.Uint64
	QpairReconnects atomic.Uint64

	// Performance tracking for admin commands
	TotalLatencyNs atomic.Uint64 // Cumulative admin completion latency in nanoseconds
	OpCount        atomic.Uint64 // Total admin completions (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of completions with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Controller lifecycle
	StartTime atomic.Int64 // Controller creation timestamp (UnixNano)
	ReadyTime atomic.Int64 // First transition into READY (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordStateTransition records one init/reset state machine step
func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitions.Add(1)
	if to == "READY" && m.ReadyTime.Load() == 0 {
		m.ReadyTime.Store(time.Now().UnixNano())
	}
	if to == "INIT_DELAY" && m.StateTransitions.Load() > 1 {
		m.Resets.Add(1)
	}
}

// RecordRegisterOp records a register read or write
func (m *Metrics) RecordRegisterOp(latencyNs uint64, err error) {
	m.RegisterOps.Add(1)
	if err != nil {
		m.RegisterErrors.Add(1)
	}
}

// RecordAdminCompletion records an admin command completion
func (m *Metrics) RecordAdminCompletion(latencyNs uint64, success bool) {
	m.AdminCompletions.Add(1)
	if !success {
		m.AdminErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordAEREvent records AER subsystem activity
func (m *Metrics) RecordAEREvent(event string) {
	switch event {
	case "repost":
		m.AERReposts.Add(1)
	case "completion":
		m.AEREvents.Add(1)
	}
}

// RecordQpairEvent records qpair lifecycle activity
func (m *Metrics) RecordQpairEvent(event string) {
	switch event {
	case "alloc":
		m.QpairAllocs.Add(1)
	case "free":
		m.QpairFrees.Add(1)
	case "reconnect":
		m.QpairReconnects.Add(1)
	}
}

// recordLatency records completion latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	StateTransitions uint64
	Resets           uint64

	RegisterOps    uint64
	RegisterErrors uint64

	AdminCompletions uint64
	AdminErrors      uint64

	AEREvents  uint64
	AERReposts uint64

	QpairAllocs     uint64
	QpairFrees      uint64
	QpairReconnects uint64

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64
	InitNs       uint64 // creation to first READY; 0 until then

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	AdminIOPS float64 // Admin completions per second
	ErrorRate float64 // Percentage of failed admin completions
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		StateTransitions: m.StateTransitions.Load(),
		Resets:           m.Resets.Load(),
		RegisterOps:      m.RegisterOps.Load(),
		RegisterErrors:   m.RegisterErrors.Load(),
		AdminCompletions: m.AdminCompletions.Load(),
		AdminErrors:      m.AdminErrors.Load(),
		AEREvents:        m.AEREvents.Load(),
		AERReposts:       m.AERReposts.Load(),
		QpairAllocs:      m.QpairAllocs.Load(),
		QpairFrees:       m.QpairFrees.Load(),
		QpairReconnects:  m.QpairReconnects.Load(),
	}

	// Calculate average latency
	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	// Calculate uptime and init duration
	startTime := m.StartTime.Load()
	snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	if ready := m.ReadyTime.Load(); ready > 0 {
		snap.InitNs = uint64(ready - startTime)
	}

	// Calculate rates
	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.AdminIOPS = float64(snap.AdminCompletions) / uptimeSeconds
	}

	// Calculate error rate
	if snap.AdminCompletions > 0 {
		snap.ErrorRate = float64(snap.AdminErrors) / float64(snap.AdminCompletions) * 100.0
	}

	// Copy histogram bucket counts
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	// Calculate percentiles from histogram
	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	// Find the bucket containing the target percentile
	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			// Linear interpolation within bucket
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// If we get here, the latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.StateTransitions.Store(0)
	m.Resets.Store(0)
	m.RegisterOps.Store(0)
	m.RegisterErrors.Store(0)
	m.AdminCompletions.Store(0)
	m.AdminErrors.Store(0)
	m.AEREvents.Store(0)
	m.AERReposts.Store(0)
	m.QpairAllocs.Store(0)
	m.QpairFrees.Store(0)
	m.QpairReconnects.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.ReadyTime.Store(0)
}

// Observer is the pluggable observation seam the controller core
// reports into; NoOpObserver discards everything.
type Observer = interfaces.Observer

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver = interfaces.NoOpObserver

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveStateTransition(from, to string) {
	o.metrics.RecordStateTransition(from, to)
}

func (o *MetricsObserver) ObserveRegisterOp(name string, latencyNs uint64, err error) {
	o.metrics.RecordRegisterOp(latencyNs, err)
}

func (o *MetricsObserver) ObserveAdminCompletion(opcode uint8, latencyNs uint64, success bool) {
	o.metrics.RecordAdminCompletion(latencyNs, success)
}

func (o *MetricsObserver) ObserveQpairEvent(qid uint16, event string) {
	o.metrics.RecordQpairEvent(event)
}

func (o *MetricsObserver) ObserveAEREvent(event string) {
	o.metrics.RecordAEREvent(event)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
