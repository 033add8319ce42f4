// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime counters for the completion engine. Not on any correctness
// path; the dispatcher and registry feed it for monitoring.

package control

import (
	"sync"
	"time"
)

// Well-known counter keys.
const (
	MetricCompletionsConnect = "completions.connect"
	MetricCompletionsReceive = "completions.receive"
	MetricCompletionsSend    = "completions.send"
	MetricConnectRetries     = "connect.retries"
	MetricRemovalsRequested  = "removals.requested"
	MetricRemovalsProcessed  = "removals.processed"
	MetricDeadCompletions    = "completions.dead" // completion after owner removal
	MetricOrphanTokens       = "completions.orphan"
)

// MetricsRegistry holds monotonically increasing counters.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]uint64
	updated  time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]uint64),
	}
}

// Inc adds one to a counter, creating it on first use.
func (mr *MetricsRegistry) Inc(key string) {
	mr.mu.Lock()
	mr.counters[key]++
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Get returns the current value of one counter.
func (mr *MetricsRegistry) Get(key string) uint64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.counters[key]
}

// GetSnapshot returns a copy of all counters.
func (mr *MetricsRegistry) GetSnapshot() map[string]uint64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]uint64, len(mr.counters))
	for k, v := range mr.counters {
		out[k] = v
	}
	return out
}

// Updated returns the time of the last counter change.
func (mr *MetricsRegistry) Updated() time.Time {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.updated
}
