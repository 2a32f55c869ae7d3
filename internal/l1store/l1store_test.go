package l1store

import (
	"testing"
	"time"
)

func TestGetMissOnEmptyStore(t *testing.T) {
	t.Parallel()
	s := New()
	res := s.Get("ns:a:func:f:args:1", time.Now())
	if res.Hit {
		t.Fatalf("expected miss, got hit")
	}
}

func TestPutThenGetFresh(t *testing.T) {
	t.Parallel()
	s := New(WithJitterFraction(0))
	now := time.Now()
	s.Put("k1", []byte("payload"), time.Minute, "ns1")

	res := s.Get("k1", now)
	if !res.Hit {
		t.Fatalf("expected hit")
	}
	if res.Freshness != FRESH {
		t.Fatalf("expected fresh, got %v", res.Freshness)
	}
	if string(res.Bytes) != "payload" {
		t.Fatalf("unexpected bytes: %q", res.Bytes)
	}
	if res.Version != 1 {
		t.Fatalf("expected version 1, got %d", res.Version)
	}
}

func TestPutOverwriteBumpsVersion(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	s.Put("k1", []byte("v2"), time.Minute, "ns1")

	res := s.Get("k1", time.Now())
	if !res.Hit || res.Version != 2 {
		t.Fatalf("expected hit version 2, got %+v", res)
	}
	if string(res.Bytes) != "v2" {
		t.Fatalf("expected v2, got %q", res.Bytes)
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Millisecond, "ns1")

	future := time.Now().Add(time.Hour)
	res := s.Get("k1", future)
	if res.Hit {
		t.Fatalf("expected expired entry to be a miss")
	}
	if s.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted, Len=%d", s.Len())
	}
}

func TestStaleWindowBeforeHardExpiry(t *testing.T) {
	t.Parallel()
	s := New(WithSWRThresholdRatio(0.5), WithJitterFraction(0))
	s.Put("k1", []byte("v1"), time.Second, "ns1")

	// fresh_until = now + 0.5s; expires_at = now + 1s.
	mid := time.Now().Add(700 * time.Millisecond)
	res := s.Get("k1", mid)
	if !res.Hit {
		t.Fatalf("expected hit in stale window")
	}
	if res.Freshness != STALE {
		t.Fatalf("expected stale, got %v", res.Freshness)
	}
}

func TestInvalidateRemovesKey(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	s.Invalidate("k1")

	if res := s.Get("k1", time.Now()); res.Hit {
		t.Fatalf("expected miss after invalidate")
	}
}

func TestInvalidateNamespaceWithIndex(t *testing.T) {
	t.Parallel()
	s := New(WithNamespaceIndex(true))
	s.Put("k1", []byte("v1"), time.Minute, "users")
	s.Put("k2", []byte("v2"), time.Minute, "users")
	s.Put("k3", []byte("v3"), time.Minute, "orders")

	s.InvalidateNamespace("users")

	if res := s.Get("k1", time.Now()); res.Hit {
		t.Fatalf("expected k1 invalidated")
	}
	if res := s.Get("k2", time.Now()); res.Hit {
		t.Fatalf("expected k2 invalidated")
	}
	if res := s.Get("k3", time.Now()); !res.Hit {
		t.Fatalf("expected k3 to survive")
	}
}

func TestInvalidateNamespaceWithoutIndex(t *testing.T) {
	t.Parallel()
	s := New(WithNamespaceIndex(false))
	s.Put("k1", []byte("v1"), time.Minute, "users")
	s.Put("k2", []byte("v2"), time.Minute, "orders")

	s.InvalidateNamespace("users")

	if res := s.Get("k1", time.Now()); res.Hit {
		t.Fatalf("expected k1 invalidated")
	}
	if res := s.Get("k2", time.Now()); !res.Hit {
		t.Fatalf("expected k2 to survive")
	}
}

func TestInvalidateAll(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	s.Put("k2", []byte("v2"), time.Minute, "ns2")
	s.InvalidateAll()

	if s.Len() != 0 {
		t.Fatalf("expected empty store, Len=%d", s.Len())
	}
}

func TestMarkRefreshingAdmitsExactlyOneWinner(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	res := s.Get("k1", time.Now())

	if !s.MarkRefreshing("k1", res.Version) {
		t.Fatalf("expected first claim to win")
	}
	if s.MarkRefreshing("k1", res.Version) {
		t.Fatalf("expected second claim for same version to lose")
	}
}

func TestMarkRefreshingFailsOnStaleVersion(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	if s.MarkRefreshing("k1", 999) {
		t.Fatalf("expected claim against wrong version to fail")
	}
}

func TestCapacityBoundAfterManyPuts(t *testing.T) {
	t.Parallel()
	const maxBytes = 1024
	s := New(WithMaxBytes(maxBytes))

	payload := make([]byte, 64)
	for i := 0; i < 200; i++ {
		s.Put(keyFor(i), payload, time.Minute, "ns1")
		if s.Bytes() > maxBytes {
			t.Fatalf("byte budget exceeded after put %d: %d > %d", i, s.Bytes(), maxBytes)
		}
	}
}

func TestLRUEvictsOldestAccessed(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 10)
	// Budget fits roughly 3 entries (key+payload ~= 10-13 bytes each).
	s := New(WithMaxBytes(45))

	s.Put("k1", payload, time.Minute, "ns1")
	s.Put("k2", payload, time.Minute, "ns1")
	s.Put("k3", payload, time.Minute, "ns1")

	// Touch k1 so it becomes MRU; k2 is now the least recently used.
	s.Get("k1", time.Now())

	s.Put("k4", payload, time.Minute, "ns1")

	if res := s.Get("k2", time.Now()); res.Hit {
		t.Fatalf("expected k2 (LRU victim) to be evicted")
	}
	if res := s.Get("k1", time.Now()); !res.Hit {
		t.Fatalf("expected k1 (recently touched) to survive")
	}
}

func TestPutIfVersionAppliesOnMatch(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	res := s.Get("k1", time.Now())

	if !s.PutIfVersion("k1", res.Version, []byte("v2"), time.Minute, "ns1") {
		t.Fatalf("expected matching version to apply")
	}
	got := s.Get("k1", time.Now())
	if string(got.Bytes) != "v2" {
		t.Fatalf("expected refreshed bytes, got %q", got.Bytes)
	}
}

func TestPutIfVersionDoesNotExtendExpiry(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	before := s.entries["k1"].expiresAt
	res := s.Get("k1", time.Now())

	if !s.PutIfVersion("k1", res.Version, []byte("v2-refreshed"), time.Hour, "ns1") {
		t.Fatalf("expected matching version to apply")
	}
	after := s.entries["k1"].expiresAt
	if !before.Equal(after) {
		t.Fatalf("expected expires_at unchanged by refresh (spec.md invariant 4), before=%v after=%v", before, after)
	}
}

func TestPutIfVersionDiscardsOnMismatch(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	res := s.Get("k1", time.Now())

	// A concurrent write lands between the stale read and the refresh
	// completing.
	s.Put("k1", []byte("v2-concurrent"), time.Minute, "ns1")

	if s.PutIfVersion("k1", res.Version, []byte("stale-refresh-result"), time.Minute, "ns1") {
		t.Fatalf("expected stale refresh to be discarded")
	}
	got := s.Get("k1", time.Now())
	if string(got.Bytes) != "v2-concurrent" {
		t.Fatalf("expected concurrent write to survive, got %q", got.Bytes)
	}
}

func TestClearRefreshingReleasesClaim(t *testing.T) {
	t.Parallel()
	s := New()
	s.Put("k1", []byte("v1"), time.Minute, "ns1")
	res := s.Get("k1", time.Now())

	if !s.MarkRefreshing("k1", res.Version) {
		t.Fatalf("expected claim to succeed")
	}
	s.ClearRefreshing("k1", res.Version)
	if !s.MarkRefreshing("k1", res.Version) {
		t.Fatalf("expected claim to be re-acquirable after release")
	}
}

func keyFor(i int) string {
	const letters = "0123456789abcdef"
	b := make([]byte, 4)
	for j := range b {
		b[j] = letters[(i>>(4*j))&0xf]
	}
	return string(b)
}
