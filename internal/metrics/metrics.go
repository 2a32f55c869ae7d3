// Package metrics provides lightweight, lock-minimal performance counters
// for the cache runtime.
//
// Counters use sync/atomic so hot paths (L1 get/put, key generation) incur
// no mutex contention. Latency statistics use one mutex per dimension; they
// are updated at most once per operation. Sink is a narrow interface that
// *Metrics implements; the runtime packages take a *Metrics directly, so
// another Sink implementation cannot be passed to them.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is a narrow metrics contract (counters, latencies, gauges).
// *Metrics implements it. The runtime packages (reliability, handler,
// invalidation, ...) take a *Metrics rather than a Sink, so forwarding into
// Prometheus, StatsD or another exposition goes through Snapshot().
type Sink interface {
	IncCounter(name string, labels map[string]string, delta int64)
	ObserveLatency(name string, labels map[string]string, d time.Duration)
	SetGauge(name string, labels map[string]string, value float64)
}

// Metrics holds all runtime counters for a running cache instance.
// The zero value is valid and ready to use; prefer New() for clarity.
type Metrics struct {
	// L1 counters
	L1Hits   atomic.Int64
	L1Misses atomic.Int64
	L1Stale  atomic.Int64 // hits served from the SWR stale window
	L1Evictions atomic.Int64

	// L2 counters
	L2Hits   atomic.Int64
	L2Misses atomic.Int64
	L2Errors atomic.Int64

	// Fill / loader counters
	LoaderInvocations atomic.Int64
	LoaderErrors      atomic.Int64

	// SWR refresh counters
	RefreshDispatched atomic.Int64
	RefreshDiscarded  atomic.Int64 // version mismatch on completion
	RefreshSkipped    atomic.Int64 // worker pool saturated

	// Reliability envelope counters
	BackpressureRejections atomic.Int64
	CircuitOpenRejections  atomic.Int64

	// Distributed lock counters
	LockAcquired    atomic.Int64
	LockTimedOut    atomic.Int64
	LockStampedes   atomic.Int64 // fills that proceeded without the lock

	// Invalidation counters
	InvalidationsSent     atomic.Int64
	InvalidationsReceived atomic.Int64

	// Latency statistics (mutex-guarded because they accumulate floats)
	l1Mu   sync.Mutex
	l1Stat latencyStats

	l2Mu   sync.Mutex
	l2Stat latencyStats

	// Per-namespace circuit state, used only for Snapshot(); the source of
	// truth lives in internal/reliability.
	circuitMu    sync.Mutex
	circuitState map[string]string

	// genericMu guards ad-hoc named counters/gauges recorded through the
	// Sink interface by callers (internal/reliability) that don't need a
	// dedicated typed field above.
	genericMu       sync.Mutex
	genericCounters map[string]int64
	genericGauges   map[string]float64

	startTime time.Time
}

func labelKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sortStrings(keys)
	key := name
	for _, k := range keys {
		key += ";" + k + "=" + labels[k]
	}
	return key
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// IncCounter implements Sink for ad-hoc named counters not covered by a
// dedicated typed field.
func (m *Metrics) IncCounter(name string, labels map[string]string, delta int64) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	if m.genericCounters == nil {
		m.genericCounters = make(map[string]int64)
	}
	m.genericCounters[labelKey(name, labels)] += delta
}

// ObserveLatency implements Sink. Observations named "l1", "l2" or
// "l2.<op>" are folded into the dedicated L1/L2 latency accumulators that
// Snapshot() reports; observations under any other name are not recorded.
func (m *Metrics) ObserveLatency(name string, labels map[string]string, d time.Duration) {
	switch name {
	case "l1":
		m.RecordL1Latency(d)
	case "l2":
		m.RecordL2Latency(d)
	default:
		if len(name) > 3 && name[:3] == "l2." {
			m.RecordL2Latency(d)
		}
	}
}

// SetGauge implements Sink for ad-hoc named gauges, e.g. per-(namespace,
// op-class) circuit state emitted by internal/reliability.
func (m *Metrics) SetGauge(name string, labels map[string]string, value float64) {
	m.genericMu.Lock()
	defer m.genericMu.Unlock()
	if m.genericGauges == nil {
		m.genericGauges = make(map[string]float64)
	}
	m.genericGauges[labelKey(name, labels)] = value
}

// New returns a new Metrics with the start time recorded.
func New() *Metrics {
	return &Metrics{startTime: time.Now(), circuitState: make(map[string]string)}
}

// RecordL1Latency records the duration of one L1 operation.
func (m *Metrics) RecordL1Latency(d time.Duration) {
	m.l1Mu.Lock()
	m.l1Stat.record(float64(d.Microseconds()) / 1000.0)
	m.l1Mu.Unlock()
}

// RecordL2Latency records the round-trip time of one L2 operation.
func (m *Metrics) RecordL2Latency(d time.Duration) {
	m.l2Mu.Lock()
	m.l2Stat.record(float64(d.Microseconds()) / 1000.0)
	m.l2Mu.Unlock()
}

// SetCircuitState records the current breaker state for a namespace,
// surfaced via Snapshot for operability.
func (m *Metrics) SetCircuitState(namespace, state string) {
	m.circuitMu.Lock()
	if m.circuitState == nil {
		m.circuitState = make(map[string]string)
	}
	m.circuitState[namespace] = state
	m.circuitMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.l1Mu.Lock()
	l1 := m.l1Stat.snapshot()
	m.l1Mu.Unlock()

	m.l2Mu.Lock()
	l2 := m.l2Stat.snapshot()
	m.l2Mu.Unlock()

	m.circuitMu.Lock()
	circuits := make(map[string]string, len(m.circuitState))
	for k, v := range m.circuitState {
		circuits[k] = v
	}
	m.circuitMu.Unlock()

	return Snapshot{
		L1: TierSnapshot{
			Hits:      m.L1Hits.Load(),
			Misses:    m.L1Misses.Load(),
			Stale:     m.L1Stale.Load(),
			Evictions: m.L1Evictions.Load(),
			LatencyMs: l1,
		},
		L2: TierSnapshot{
			Hits:      m.L2Hits.Load(),
			Misses:    m.L2Misses.Load(),
			Errors:    m.L2Errors.Load(),
			LatencyMs: l2,
		},
		Loader: LoaderSnapshot{
			Invocations: m.LoaderInvocations.Load(),
			Errors:      m.LoaderErrors.Load(),
		},
		Refresh: RefreshSnapshot{
			Dispatched: m.RefreshDispatched.Load(),
			Discarded:  m.RefreshDiscarded.Load(),
			Skipped:    m.RefreshSkipped.Load(),
		},
		Reliability: ReliabilitySnapshot{
			BackpressureRejections: m.BackpressureRejections.Load(),
			CircuitOpenRejections:  m.CircuitOpenRejections.Load(),
			CircuitState:           circuits,
		},
		Lock: LockSnapshot{
			Acquired:  m.LockAcquired.Load(),
			TimedOut:  m.LockTimedOut.Load(),
			Stampedes: m.LockStampedes.Load(),
		},
		Invalidation: InvalidationSnapshot{
			Sent:     m.InvalidationsSent.Load(),
			Received: m.InvalidationsReceived.Load(),
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	L1           TierSnapshot         `json:"l1"`
	L2           TierSnapshot         `json:"l2"`
	Loader       LoaderSnapshot       `json:"loader"`
	Refresh      RefreshSnapshot      `json:"refresh"`
	Reliability  ReliabilitySnapshot  `json:"reliability"`
	Lock         LockSnapshot         `json:"lock"`
	Invalidation InvalidationSnapshot `json:"invalidation"`
	UptimeSecs   float64              `json:"uptimeSecs"`
}

// TierSnapshot holds hit/miss/latency counters for one cache tier.
type TierSnapshot struct {
	Hits      int64           `json:"hits"`
	Misses    int64           `json:"misses"`
	Stale     int64           `json:"stale,omitempty"`
	Evictions int64           `json:"evictions,omitempty"`
	Errors    int64           `json:"errors,omitempty"`
	LatencyMs LatencySnapshot `json:"latencyMs"`
}

// LoaderSnapshot holds user-loader invocation counters.
type LoaderSnapshot struct {
	Invocations int64 `json:"invocations"`
	Errors      int64 `json:"errors"`
}

// RefreshSnapshot holds SWR background-refresh counters.
type RefreshSnapshot struct {
	Dispatched int64 `json:"dispatched"`
	Discarded  int64 `json:"discarded"`
	Skipped    int64 `json:"skipped"`
}

// ReliabilitySnapshot holds reliability-envelope counters.
type ReliabilitySnapshot struct {
	BackpressureRejections int64             `json:"backpressureRejections"`
	CircuitOpenRejections  int64             `json:"circuitOpenRejections"`
	CircuitState           map[string]string `json:"circuitState,omitempty"`
}

// LockSnapshot holds distributed-lock counters.
type LockSnapshot struct {
	Acquired  int64 `json:"acquired"`
	TimedOut  int64 `json:"timedOut"`
	Stampedes int64 `json:"stampedes"`
}

// InvalidationSnapshot holds invalidation-bus counters.
type InvalidationSnapshot struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
