// control/metrics_test.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"sync"
	"testing"
)

func TestMetricsIncAndGet(t *testing.T) {
	mr := NewMetricsRegistry()
	if got := mr.Get(MetricConnectRetries); got != 0 {
		t.Fatalf("fresh counter = %d, want 0", got)
	}
	mr.Inc(MetricConnectRetries)
	mr.Inc(MetricConnectRetries)
	if got := mr.Get(MetricConnectRetries); got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
	if mr.Updated().IsZero() {
		t.Fatal("Updated not set after Inc")
	}
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	mr := NewMetricsRegistry()
	mr.Inc(MetricDeadCompletions)
	snap := mr.GetSnapshot()
	snap[MetricDeadCompletions] = 99
	if got := mr.Get(MetricDeadCompletions); got != 1 {
		t.Fatalf("registry mutated through snapshot: %d", got)
	}
}

func TestMetricsConcurrentInc(t *testing.T) {
	mr := NewMetricsRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mr.Inc(MetricCompletionsReceive)
			}
		}()
	}
	wg.Wait()
	if got := mr.Get(MetricCompletionsReceive); got != 8000 {
		t.Fatalf("counter = %d, want 8000", got)
	}
}
