package nvme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordAdminCompletion(t *testing.T) {
	m := NewMetrics()
	m.RecordAdminCompletion(5_000, true)
	m.RecordAdminCompletion(50_000, false)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.AdminCompletions)
	assert.Equal(t, uint64(1), snap.AdminErrors)
	assert.Equal(t, float64(50), snap.ErrorRate)
	assert.Equal(t, uint64(27_500), snap.AvgLatencyNs)
}

func TestMetricsStateTransitionsAndInitTime(t *testing.T) {
	m := NewMetrics()
	m.RecordStateTransition("INIT_DELAY", "CONNECT_ADMINQ")
	m.RecordStateTransition("SET_HOST_ID", "READY")

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.StateTransitions)
	assert.NotZero(t, snap.InitNs, "READY transition stamps init duration")
	assert.Zero(t, snap.Resets)

	m.RecordStateTransition("READY", "INIT_DELAY")
	assert.Equal(t, uint64(1), m.Snapshot().Resets, "re-entering INIT_DELAY counts as a reset")
}

func TestMetricsHistogramBuckets(t *testing.T) {
	m := NewMetrics()
	m.RecordAdminCompletion(500, true)       // <= 1us bucket
	m.RecordAdminCompletion(5_000_000, true) // <= 10ms bucket

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.LatencyHistogram[0], "1us bucket")
	assert.Equal(t, uint64(2), snap.LatencyHistogram[4], "10ms bucket is cumulative")
	assert.Equal(t, uint64(2), snap.LatencyHistogram[7])
}

func TestMetricsPercentiles(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 99; i++ {
		m.RecordAdminCompletion(800, true) // sub-1us
	}
	m.RecordAdminCompletion(5_000_000_000, true) // one 5s outlier

	snap := m.Snapshot()
	assert.LessOrEqual(t, snap.LatencyP50Ns, uint64(1_000))
	assert.Greater(t, snap.LatencyP999Ns, snap.LatencyP50Ns)
}

func TestMetricsAERAndQpairEvents(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveAEREvent("completion")
	o.ObserveAEREvent("repost")
	o.ObserveAEREvent("submitted") // not counted
	o.ObserveQpairEvent(1, "alloc")
	o.ObserveQpairEvent(1, "free")
	o.ObserveQpairEvent(1, "reconnect")

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.AEREvents)
	assert.Equal(t, uint64(1), snap.AERReposts)
	assert.Equal(t, uint64(1), snap.QpairAllocs)
	assert.Equal(t, uint64(1), snap.QpairFrees)
	assert.Equal(t, uint64(1), snap.QpairReconnects)
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordAdminCompletion(1_000, true)
	m.RecordStateTransition("X", "READY")
	m.Reset()

	snap := m.Snapshot()
	assert.Zero(t, snap.AdminCompletions)
	assert.Zero(t, snap.StateTransitions)
	assert.Zero(t, snap.InitNs)
}
