// Package l1store implements the in-process L1 cache tier: a byte-budgeted,
// TTL-aware, LRU-evicted map with an optional namespace index for O(|ns|)
// namespace invalidation and "mark refreshing" coordination for
// stale-while-revalidate.
//
// All public operations serialize through a single mutex. The data model
// calls this mutex "reentrant"; Go's sync.Mutex is not, so this package
// gets the same effect a different way: every public method takes the
// lock once and only ever calls *Locked helpers internally, never another
// public method, so there is nothing to re-enter.
package l1store

import (
	"container/list"
	"math/rand"
	"sync"
	"time"

	"github.com/cachekit-io/cachekit/internal/logger"
	"github.com/cachekit-io/cachekit/internal/metrics"
)

// Freshness classifies a hit returned by Get.
type Freshness int

const (
	// FRESH entries are returned as-is.
	FRESH Freshness = iota
	// STALE entries are within TTL but past their SWR threshold; callers
	// with SWR enabled serve them while dispatching a background refresh.
	STALE
)

func (f Freshness) String() string {
	if f == STALE {
		return "stale"
	}
	return "fresh"
}

// GetResult is the outcome of Get.
type GetResult struct {
	Hit       bool
	Bytes     []byte
	Freshness Freshness
	Version   uint64
}

type entry struct {
	key              string
	namespace        string
	bytes            []byte
	expiresAt        time.Time
	freshUntil       time.Time
	version          uint64
	refreshingAt     uint64 // version currently claimed by a background refresher, 0 = none
	elem             *list.Element
}

func (e *entry) size() int64 { return int64(len(e.key) + len(e.bytes)) }

// Store is the L1 cache. The zero value is not ready to use; construct one
// with New.
type Store struct {
	mu sync.Mutex

	maxBytes int64
	curBytes int64

	entries map[string]*entry
	lru     *list.List // front = MRU, back = LRU victim

	indexEnabled bool
	nsIndex      map[string]map[string]struct{}

	swrThresholdRatio float64 // fraction of TTL at which an entry becomes STALE
	jitterFraction    float64 // +/- fraction of the threshold window applied as jitter

	log *logger.Logger
	m   *metrics.Metrics
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithMaxBytes sets the byte budget. Default: 100 MiB (spec.md §4.5).
func WithMaxBytes(n int64) Option { return func(s *Store) { s.maxBytes = n } }

// WithNamespaceIndex enables or disables the secondary namespace index.
// Disabling it trades O(|ns|) namespace invalidation for O(1) memory
// overhead per entry, for memory-constrained deployments.
func WithNamespaceIndex(enabled bool) Option {
	return func(s *Store) { s.indexEnabled = enabled }
}

// WithSWRThresholdRatio sets the fraction of TTL at which an entry
// transitions from FRESH to STALE. Must be in (0, 1]; out-of-range values
// are replaced with 1.
func WithSWRThresholdRatio(r float64) Option {
	return func(s *Store) {
		if r <= 0 || r > 1 {
			r = 1
		}
		s.swrThresholdRatio = r
	}
}

// WithJitterFraction sets the +/- fraction of the fresh-until window used
// to jitter fresh_until, decorrelating simultaneous expirations across a
// fleet that filled the same key at the same moment. Decided as an
// explicit, caller-tunable Option rather than a fixed constant (see
// DESIGN.md, "Open Question: SWR jitter range").
func WithJitterFraction(f float64) Option {
	return func(s *Store) {
		if f < 0 {
			f = 0
		}
		if f > 0.5 {
			f = 0.5
		}
		s.jitterFraction = f
	}
}

// WithLogger attaches a logger; defaults to a silent one if omitted.
func WithLogger(l *logger.Logger) Option { return func(s *Store) { s.log = l } }

// WithMetrics attaches a metrics sink; nil (the default) disables
// instrumentation.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Store) { s.m = m } }

// New builds a Store with the given options applied over these defaults:
// 100 MiB budget, namespace index enabled, SWR threshold 0.8, jitter 0.1.
func New(opts ...Option) *Store {
	s := &Store{
		maxBytes:          100 * 1024 * 1024,
		entries:           make(map[string]*entry),
		lru:               list.New(),
		indexEnabled:       true,
		nsIndex:            make(map[string]map[string]struct{}),
		swrThresholdRatio: 0.8,
		jitterFraction:    0.1,
		log:               logger.New("L1", "warn"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get looks up key as of now. An expired entry is evicted and reported as
// a miss.
func (s *Store) Get(key string, now time.Time) GetResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.recordMiss()
		return GetResult{}
	}
	if now.After(e.expiresAt) {
		s.removeLocked(e)
		s.recordMiss()
		return GetResult{}
	}

	s.lru.MoveToFront(e.elem)

	if now.After(e.freshUntil) {
		s.recordStale()
		return GetResult{Hit: true, Bytes: e.bytes, Freshness: STALE, Version: e.version}
	}
	s.recordHit()
	return GetResult{Hit: true, Bytes: e.bytes, Freshness: FRESH, Version: e.version}
}

// Put inserts or overwrites key, bumping its version and evicting LRU
// victims until the store fits its byte budget.
func (s *Store) Put(key string, bytes []byte, ttl time.Duration, namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := now.Add(ttl)
	freshUntil := s.freshUntilLocked(now, ttl)

	if existing, ok := s.entries[key]; ok {
		s.curBytes -= existing.size()
		existing.bytes = bytes
		existing.namespace = namespace
		existing.expiresAt = expiresAt
		existing.freshUntil = freshUntil
		existing.version++
		existing.refreshingAt = 0
		s.curBytes += existing.size()
		s.lru.MoveToFront(existing.elem)
		s.reindexNamespaceLocked(existing)
		s.evictToFitLocked()
		return
	}

	e := &entry{
		key:        key,
		namespace:  namespace,
		bytes:      bytes,
		expiresAt:  expiresAt,
		freshUntil: freshUntil,
		version:    1,
	}
	e.elem = s.lru.PushFront(e)
	s.entries[key] = e
	s.curBytes += e.size()
	s.addToNamespaceLocked(e)
	s.evictToFitLocked()
}

// PutIfVersion overwrites key's bytes only if the entry is still at
// expectedVersion, discarding the write instead if a newer write already
// landed — the race a completing background refresh must lose against
// (spec.md §4.10: "if not [the same version], the refresh result is
// discarded"). Unlike Put, expires_at and fresh_until are left exactly as
// they were: spec.md invariant 4 is explicit that "L1 and L2 TTLs are
// fixed at write time and never extended by a successful SWR refresh —
// SWR refreshes content, not lifetime", and literal scenario 2 (§8)
// requires the post-refresh entry to report the same expires_at it had
// before the refresh. ttl is accepted for symmetry with Put/the L2 write
// this call accompanies but is not applied to the L1 entry's own
// deadlines. The entry's version is bumped rather than reset, and the
// refreshing claim is cleared either way since the refresh attempt this
// call represents is now settled. It reports whether the write was applied.
func (s *Store) PutIfVersion(key string, expectedVersion uint64, bytes []byte, ttl time.Duration, namespace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = ttl

	e, ok := s.entries[key]
	if !ok || e.version != expectedVersion {
		return false
	}

	s.curBytes -= e.size()
	e.bytes = bytes
	e.namespace = namespace
	e.version++
	e.refreshingAt = 0
	s.curBytes += e.size()
	s.lru.MoveToFront(e.elem)
	s.reindexNamespaceLocked(e)
	s.evictToFitLocked()
	return true
}

// ClearRefreshing releases a refresh claim taken by MarkRefreshing without
// writing new bytes, used when a background refresh's loader call itself
// fails so a future stale read can dispatch another attempt.
func (s *Store) ClearRefreshing(key string, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.refreshingAt == version {
		e.refreshingAt = 0
	}
}

// Invalidate removes a single key.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.removeLocked(e)
	}
}

// InvalidateNamespace removes every key tagged with namespace. With the
// namespace index enabled this is O(|ns|); otherwise it scans the full
// store.
func (s *Store) InvalidateNamespace(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexEnabled {
		keys := s.nsIndex[namespace]
		for k := range keys {
			if e, ok := s.entries[k]; ok {
				s.removeLocked(e)
			}
		}
		delete(s.nsIndex, namespace)
		return
	}

	for _, e := range s.entries {
		if e.namespace == namespace {
			s.removeLocked(e)
		}
	}
}

// InvalidateAll clears the store entirely.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	s.nsIndex = make(map[string]map[string]struct{})
	s.lru = list.New()
	s.curBytes = 0
}

// MarkRefreshing is an atomic compare-and-set admitting exactly one
// background refresher per (key, version). It returns false if the entry
// is gone, its version has moved on, or another refresher already won.
func (s *Store) MarkRefreshing(key string, version uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.version != version {
		return false
	}
	if e.refreshingAt == version {
		return false
	}
	e.refreshingAt = version
	return true
}

// Len reports the current number of entries, mostly for tests/operability.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Bytes reports the current byte usage, mostly for tests/operability.
func (s *Store) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curBytes
}

func (s *Store) freshUntilLocked(now time.Time, ttl time.Duration) time.Time {
	window := time.Duration(float64(ttl) * s.swrThresholdRatio)
	if s.jitterFraction > 0 {
		span := float64(window) * s.jitterFraction
		jitter := (rand.Float64()*2 - 1) * span //nolint:gosec // jitter, not security-sensitive
		window += time.Duration(jitter)
	}
	if window < 0 {
		window = 0
	}
	if window > ttl {
		window = ttl
	}
	return now.Add(window)
}

func (s *Store) removeLocked(e *entry) {
	s.lru.Remove(e.elem)
	delete(s.entries, e.key)
	s.curBytes -= e.size()
	if s.indexEnabled {
		if set, ok := s.nsIndex[e.namespace]; ok {
			delete(set, e.key)
			if len(set) == 0 {
				delete(s.nsIndex, e.namespace)
			}
		}
	}
}

// lowWaterFraction is the fraction of maxBytes eviction drains down to once
// the budget is exceeded, per spec.md §3 invariant 2 ("excess triggers LRU
// eviction down to a low-water mark (70% of bound)"). Evicting in one batch
// down to 70% rather than stopping the instant we're back under budget
// avoids evicting one victim per put when the store is hovering right at
// its limit.
const lowWaterFraction = 0.70

func (s *Store) evictToFitLocked() {
	if s.curBytes <= s.maxBytes {
		return
	}
	lowWater := int64(float64(s.maxBytes) * lowWaterFraction)
	for s.curBytes > lowWater {
		back := s.lru.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*entry)
		s.removeLocked(victim)
		s.recordEviction()
		s.log.Debug("evict", "key="+victim.key+" reason=capacity")
	}
}

func (s *Store) addToNamespaceLocked(e *entry) {
	if !s.indexEnabled || e.namespace == "" {
		return
	}
	set, ok := s.nsIndex[e.namespace]
	if !ok {
		set = make(map[string]struct{})
		s.nsIndex[e.namespace] = set
	}
	set[e.key] = struct{}{}
}

func (s *Store) reindexNamespaceLocked(e *entry) {
	if !s.indexEnabled {
		return
	}
	for ns, set := range s.nsIndex {
		if ns != e.namespace {
			delete(set, e.key)
		}
	}
	s.addToNamespaceLocked(e)
}

func (s *Store) recordHit() {
	if s.m != nil {
		s.m.L1Hits.Add(1)
	}
}
func (s *Store) recordMiss() {
	if s.m != nil {
		s.m.L1Misses.Add(1)
	}
}
func (s *Store) recordStale() {
	if s.m != nil {
		s.m.L1Stale.Add(1)
	}
}
func (s *Store) recordEviction() {
	if s.m != nil {
		s.m.L1Evictions.Add(1)
	}
}
