package metrics

import (
	"testing"
	"time"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	s := m.Snapshot()
	if s.L1.Hits != 0 || s.L2.Hits != 0 {
		t.Errorf("expected zero hits from zero-value Metrics, got %+v", s)
	}
}

func TestTierCounters(t *testing.T) {
	m := New()
	m.L1Hits.Add(10)
	m.L1Misses.Add(3)
	m.L1Stale.Add(2)
	m.L1Evictions.Add(1)
	m.L2Hits.Add(4)
	m.L2Misses.Add(5)
	m.L2Errors.Add(1)

	s := m.Snapshot()
	if s.L1.Hits != 10 || s.L1.Misses != 3 || s.L1.Stale != 2 || s.L1.Evictions != 1 {
		t.Errorf("unexpected L1 snapshot: %+v", s.L1)
	}
	if s.L2.Hits != 4 || s.L2.Misses != 5 || s.L2.Errors != 1 {
		t.Errorf("unexpected L2 snapshot: %+v", s.L2)
	}
}

func TestLoaderAndRefreshCounters(t *testing.T) {
	m := New()
	m.LoaderInvocations.Add(7)
	m.LoaderErrors.Add(1)
	m.RefreshDispatched.Add(5)
	m.RefreshDiscarded.Add(2)
	m.RefreshSkipped.Add(1)

	s := m.Snapshot()
	if s.Loader.Invocations != 7 || s.Loader.Errors != 1 {
		t.Errorf("unexpected loader snapshot: %+v", s.Loader)
	}
	if s.Refresh.Dispatched != 5 || s.Refresh.Discarded != 2 || s.Refresh.Skipped != 1 {
		t.Errorf("unexpected refresh snapshot: %+v", s.Refresh)
	}
}

func TestReliabilityCountersAndCircuitState(t *testing.T) {
	m := New()
	m.BackpressureRejections.Add(3)
	m.CircuitOpenRejections.Add(2)
	m.SetCircuitState("users", "open")
	m.SetCircuitState("orders", "closed")

	s := m.Snapshot()
	if s.Reliability.BackpressureRejections != 3 || s.Reliability.CircuitOpenRejections != 2 {
		t.Errorf("unexpected reliability snapshot: %+v", s.Reliability)
	}
	if s.Reliability.CircuitState["users"] != "open" || s.Reliability.CircuitState["orders"] != "closed" {
		t.Errorf("unexpected circuit state map: %v", s.Reliability.CircuitState)
	}
}

func TestLockAndInvalidationCounters(t *testing.T) {
	m := New()
	m.LockAcquired.Add(9)
	m.LockTimedOut.Add(1)
	m.LockStampedes.Add(2)
	m.InvalidationsSent.Add(4)
	m.InvalidationsReceived.Add(6)

	s := m.Snapshot()
	if s.Lock.Acquired != 9 || s.Lock.TimedOut != 1 || s.Lock.Stampedes != 2 {
		t.Errorf("unexpected lock snapshot: %+v", s.Lock)
	}
	if s.Invalidation.Sent != 4 || s.Invalidation.Received != 6 {
		t.Errorf("unexpected invalidation snapshot: %+v", s.Invalidation)
	}
}

func TestRecordL1LatencySingleSample(t *testing.T) {
	m := New()
	m.RecordL1Latency(100 * time.Microsecond)

	s := m.Snapshot()
	if s.L1.LatencyMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.L1.LatencyMs.Count)
	}
}

func TestRecordL2LatencyMinMaxMean(t *testing.T) {
	m := New()
	m.RecordL2Latency(50 * time.Millisecond)
	m.RecordL2Latency(150 * time.Millisecond)
	m.RecordL2Latency(100 * time.Millisecond)

	ls := m.Snapshot().L2.LatencyMs
	if ls.Count != 3 {
		t.Errorf("Count: got %d, want 3", ls.Count)
	}
	if ls.MinMs > 60 {
		t.Errorf("MinMs too high: %f", ls.MinMs)
	}
	if ls.MaxMs < 140 {
		t.Errorf("MaxMs too low: %f", ls.MaxMs)
	}
	if ls.MeanMs < 90 || ls.MeanMs > 110 {
		t.Errorf("MeanMs: got %f, want ~100", ls.MeanMs)
	}
}

func TestSnapshotUptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		got := round2(c.input)
		if got != c.want {
			t.Errorf("round2(%f) = %f, want %f", c.input, got, c.want)
		}
	}
}

func TestLatencyStatsRecord(t *testing.T) {
	var s latencyStats
	s.record(10)
	s.record(20)
	s.record(15)

	snap := s.snapshot()
	if snap.Count != 3 {
		t.Errorf("Count: got %d, want 3", snap.Count)
	}
	if snap.MinMs != 10 {
		t.Errorf("MinMs: got %f, want 10", snap.MinMs)
	}
	if snap.MaxMs != 20 {
		t.Errorf("MaxMs: got %f, want 20", snap.MaxMs)
	}
	if snap.MeanMs != 15 {
		t.Errorf("MeanMs: got %f, want 15", snap.MeanMs)
	}
}

func TestLatencyStatsEmpty(t *testing.T) {
	var s latencyStats
	snap := s.snapshot()
	if snap.Count != 0 || snap.MinMs != 0 || snap.MaxMs != 0 || snap.MeanMs != 0 {
		t.Errorf("empty stats snapshot should be zero, got %+v", snap)
	}
}
