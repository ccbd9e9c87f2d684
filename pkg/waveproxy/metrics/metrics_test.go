package metrics

import (
	"testing"
	"time"
)

func newTestManager(t *testing.T, windowSize int, threshold float64) *Manager {
	t.Helper()
	m := NewManager(windowSize, threshold)
	t.Cleanup(m.Stop)
	return m
}

func TestRecordRequestCounts(t *testing.T) {
	m := newTestManager(t, 10, 0.5)

	m.RecordRequest("c1", true, 120, 100, 50, 30, 5)
	m.RecordRequest("c1", false, 80, 0, 0, 0, 0)

	got := m.GetChannelMetrics("c1")
	if got.RequestCount != 2 || got.SuccessCount != 1 || got.FailureCount != 1 {
		t.Fatalf("unexpected counts: %+v", got)
	}
	if got.ConsecutiveFailures != 1 {
		t.Fatalf("expected 1 consecutive failure, got %d", got.ConsecutiveFailures)
	}
	if got.InputTokens != 100 || got.OutputTokens != 50 {
		t.Fatalf("unexpected token totals: %+v", got)
	}
	if got.SuccessRate != 0.5 {
		t.Fatalf("expected window success rate 0.5, got %v", got.SuccessRate)
	}
	if got.AvgLatencyMs != 100 {
		t.Fatalf("expected avg latency 100, got %v", got.AvgLatencyMs)
	}
	if got.LastSuccessAt == nil || got.LastFailureAt == nil {
		t.Fatalf("expected last success/failure timestamps: %+v", got)
	}

	// A success resets the consecutive failure streak.
	m.RecordRequest("c1", true, 100, 0, 0, 0, 0)
	if m.GetChannelMetrics("c1").ConsecutiveFailures != 0 {
		t.Fatalf("expected streak reset on success")
	}
}

func TestSlidingWindowDropsOldResults(t *testing.T) {
	m := newTestManager(t, 3, 0.5)

	for i := 0; i < 3; i++ {
		m.RecordRequest("c1", false, 10, 0, 0, 0, 0)
	}
	if rate := m.GetChannelMetrics("c1").SuccessRate; rate != 0 {
		t.Fatalf("expected success rate 0, got %v", rate)
	}

	// Three successes push the failures out of the window entirely.
	for i := 0; i < 3; i++ {
		m.RecordRequest("c1", true, 10, 0, 0, 0, 0)
	}
	if rate := m.GetChannelMetrics("c1").SuccessRate; rate != 1 {
		t.Fatalf("expected success rate 1 after window slide, got %v", rate)
	}

	// Cumulative counters are unaffected by the window.
	got := m.GetChannelMetrics("c1")
	if got.RequestCount != 6 || got.FailureCount != 3 {
		t.Fatalf("expected cumulative counters intact: %+v", got)
	}
}

func TestIsFailureRateHigh(t *testing.T) {
	m := newTestManager(t, 10, 0.5)

	// Fewer than 3 records never flags.
	m.RecordRequest("c1", false, 10, 0, 0, 0, 0)
	m.RecordRequest("c1", false, 10, 0, 0, 0, 0)
	if m.IsFailureRateHigh("c1") {
		t.Fatalf("should not flag with fewer than 3 records")
	}

	m.RecordRequest("c1", true, 10, 0, 0, 0, 0)
	if !m.IsFailureRateHigh("c1") {
		t.Fatalf("expected 2/3 failure rate to flag at threshold 0.5")
	}

	if m.IsFailureRateHigh("unknown") {
		t.Fatalf("unknown channel should not flag")
	}
}

func TestCacheHitRate(t *testing.T) {
	m := newTestManager(t, 10, 0.5)

	m.RecordRequest("c1", true, 10, 100, 20, 50, 0)
	if rate := m.GetChannelMetrics("c1").CacheHitRate; rate != 0.5 {
		t.Fatalf("expected cache hit rate 0.5, got %v", rate)
	}
}

func TestGlobalStats(t *testing.T) {
	m := newTestManager(t, 10, 0.5)

	m.RecordRequest("c1", true, 10, 0, 0, 0, 0)
	m.RecordRequest("c2", false, 10, 0, 0, 0, 0)
	m.RecordRequest("c2", true, 10, 0, 0, 0, 0)

	stats := m.GetGlobalStats()
	if stats["totalRequests"] != int64(3) {
		t.Fatalf("expected 3 total requests, got %v", stats["totalRequests"])
	}
	if stats["successCount"] != int64(2) || stats["failureCount"] != int64(1) {
		t.Fatalf("unexpected global counts: %v", stats)
	}
	if stats["channelCount"] != 2 {
		t.Fatalf("expected 2 channels, got %v", stats["channelCount"])
	}
}

func TestSetCircuitBrokenAndReset(t *testing.T) {
	m := newTestManager(t, 10, 0.5)

	m.SetCircuitBroken("c1", true)
	if !m.GetChannelMetrics("c1").CircuitBroken {
		t.Fatalf("expected circuitBroken true")
	}
	m.SetCircuitBroken("c1", false)
	if m.GetChannelMetrics("c1").CircuitBroken {
		t.Fatalf("expected circuitBroken false")
	}

	m.RecordRequest("c1", true, 10, 5, 5, 0, 0)
	m.ResetChannelMetrics("c1")
	got := m.GetChannelMetrics("c1")
	if got.RequestCount != 0 || got.InputTokens != 0 {
		t.Fatalf("expected metrics cleared after reset, got %+v", got)
	}
}

func TestPruneAgesOutWindowRates(t *testing.T) {
	m := newTestManager(t, 10, 0.5)

	m.RecordRequest("c1", true, 120, 0, 0, 0, 0)
	m.RecordRequest("c1", true, 80, 0, 0, 0, 0)

	before := m.GetChannelMetrics("c1")
	if before.SuccessRate != 1 || before.AvgLatencyMs != 100 {
		t.Fatalf("unexpected pre-prune rates: %+v", before)
	}

	// A cutoff in the future ages out every sample.
	m.prune(time.Now().Add(time.Minute))

	after := m.GetChannelMetrics("c1")
	if after.SuccessRate != 0 || after.AvgLatencyMs != 0 {
		t.Fatalf("expected window rates to reset after prune, got %+v", after)
	}
	if after.RequestCount != 2 || after.SuccessCount != 2 {
		t.Fatalf("expected cumulative counters to survive prune, got %+v", after)
	}
}

func TestGetChannelMetricsReturnsCopy(t *testing.T) {
	m := newTestManager(t, 10, 0.5)
	m.RecordRequest("c1", true, 10, 0, 0, 0, 0)

	got := m.GetChannelMetrics("c1")
	got.RequestCount = 999
	if m.GetChannelMetrics("c1").RequestCount != 1 {
		t.Fatalf("GetChannelMetrics leaked internal state")
	}

	all := m.GetAllChannelMetrics()
	if len(all) != 1 {
		t.Fatalf("expected 1 channel in all metrics, got %d", len(all))
	}
	all["c1"].RequestCount = 999
	if m.GetChannelMetrics("c1").RequestCount != 1 {
		t.Fatalf("GetAllChannelMetrics leaked internal state")
	}
}
