package handler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachekit-io/cachekit/internal/distlock"
	"github.com/cachekit-io/cachekit/internal/keygen"
	"github.com/cachekit-io/cachekit/internal/l1store"
	"github.com/cachekit-io/cachekit/internal/l2/membackend"
	"github.com/cachekit-io/cachekit/internal/refreshpool"
	"github.com/cachekit-io/cachekit/internal/reliability"
	"github.com/cachekit-io/cachekit/internal/serializer"
	"github.com/cachekit-io/cachekit/internal/serializer/binary"
)

func newTestHandler(t *testing.T, cfg Config, opts ...Option) (*Handler, *l1store.Store) {
	t.Helper()
	l1 := l1store.New(l1store.WithJitterFraction(0))
	bin := binary.New()
	reg := serializer.NewRegistry(bin)
	h := New(cfg, l1, bin, reg, opts...)
	return h, l1
}

func user(id int64) map[string]any { return map[string]any{"id": id} }

// errL2 wraps membackend.Backend and fails the first failN calls to Get,
// simulating an L2 outage for reliability-fallback tests.
type errL2 struct {
	*membackend.Backend
	mu     sync.Mutex
	failN  int
	getCnt int
}

func (e *errL2) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e.mu.Lock()
	e.getCnt++
	shouldFail := e.getCnt <= e.failN
	e.mu.Unlock()
	if shouldFail {
		return nil, false, errors.New("l2 unavailable")
	}
	return e.Backend.Get(ctx, key)
}

func TestReadOrFillColdThenWarm(t *testing.T) {
	t.Parallel()
	mem := membackend.New()
	rel := reliability.New(reliability.DefaultConfig())
	h, _ := newTestHandler(t, Config{Namespace: "users", TTL: time.Minute}, WithL2(mem), WithReliability(rel))

	var calls int32
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return user(7), nil
	}
	in := keygen.Input{Identity: "svc.GetUser", Args: []any{7}}

	v, err := h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("ReadOrFill: %v", err)
	}
	if got, ok := v.(map[string]any); !ok || got["id"] != int64(7) {
		t.Fatalf("unexpected value: %#v", v)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected loader invoked once, got %d", calls)
	}

	v2, err := h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("ReadOrFill (warm): %v", err)
	}
	if got, ok := v2.(map[string]any); !ok || got["id"] != int64(7) {
		t.Fatalf("unexpected warm value: %#v", v2)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected loader not re-invoked on warm read, got %d calls", calls)
	}
}

func TestReadOrFillStaleWithoutSWRRefills(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler(t, Config{
		Namespace:  "users",
		TTL:        120 * time.Millisecond,
		SWREnabled: false,
	})

	var calls int32
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return user(int64(atomic.LoadInt32(&calls))), nil
	}
	in := keygen.Input{Identity: "svc.GetUser", Args: []any{1}}

	if _, err := h.ReadOrFill(context.Background(), in, loader); err != nil {
		t.Fatalf("first fill: %v", err)
	}

	// Default SWR threshold ratio puts fresh_until at 80% of ttl; 100ms is
	// past that but before the 120ms hard expiry.
	time.Sleep(100 * time.Millisecond)

	// L1-only with SWR disabled: tryL1 treats this stale hit the same as a
	// miss and runs the loader again rather than serving stale data.
	v, err := h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if got := v.(map[string]any)["id"]; got != int64(2) {
		t.Fatalf("expected refilled value 2, got %v", got)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected loader invoked twice, got %d", calls)
	}
}

func TestReadOrFillSWRServesStaleAndRefreshesInBackground(t *testing.T) {
	t.Parallel()
	pool := refreshpool.New(4)
	h, l1 := newTestHandler(t, Config{
		Namespace:  "users",
		TTL:        400 * time.Millisecond,
		SWREnabled: true,
	}, WithRefreshPool(pool))
	_ = l1

	var calls int32
	refreshed := make(chan struct{}, 1)
	loader := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return user(1), nil
		}
		defer func() { refreshed <- struct{}{} }()
		return user(2), nil
	}
	in := keygen.Input{Identity: "svc.GetUser", Args: []any{9}}

	v, err := h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if v.(map[string]any)["id"] != int64(1) {
		t.Fatalf("expected initial value 1, got %#v", v)
	}

	// Past fresh_until (80% of 400ms) but before the 400ms hard expiry,
	// leaving room for the post-refresh read below: the refresh does not
	// extend expires_at.
	time.Sleep(340 * time.Millisecond)

	v, err = h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("stale fill: %v", err)
	}
	if v.(map[string]any)["id"] != int64(1) {
		t.Fatalf("expected stale read to serve the old value 1, got %#v", v)
	}

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never completed")
	}
	// Give the refresh goroutine's PutIfVersion a moment to land after the
	// loader returned (it runs a couple of instructions past the channel
	// send above).
	time.Sleep(20 * time.Millisecond)

	v, err = h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("post-refresh fill: %v", err)
	}
	if v.(map[string]any)["id"] != int64(2) {
		t.Fatalf("expected refreshed value 2 after background refresh, got %#v", v)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected loader invoked exactly twice, got %d", calls)
	}
}

func TestReadOrFillTreatsCorruptL1EntryAsMiss(t *testing.T) {
	t.Parallel()
	h, l1 := newTestHandler(t, Config{Namespace: "users", TTL: time.Minute})

	in := keygen.Input{Identity: "svc.GetUser", Args: []any{3}}
	key := keygen.CompositeKey(in)
	// Plant bytes that are not a valid envelope, simulating a decompression
	// bomb or tampered entry slipping past an earlier version's checks.
	l1.Put(key, []byte("not-an-envelope-at-all"), time.Minute, "users")

	var calls int32
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return user(3), nil
	}

	v, err := h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("ReadOrFill: %v", err)
	}
	if v.(map[string]any)["id"] != int64(3) {
		t.Fatalf("unexpected value: %#v", v)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected loader invoked once to repopulate corrupt entry, got %d", calls)
	}
}

func TestReadOrFillFailOpenRunsLoaderWhenL2Unavailable(t *testing.T) {
	t.Parallel()
	el2 := &errL2{Backend: membackend.New(), failN: 1000}
	rel := reliability.New(reliability.Config{
		BackpressureEnabled: false,
		BreakerEnabled:      false,
		TimeoutEnabled:      false,
	})
	h, _ := newTestHandler(t, Config{Namespace: "users", TTL: time.Minute, Fallback: FallbackFailOpen},
		WithL2(el2), WithReliability(rel))

	var calls int32
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return user(5), nil
	}
	in := keygen.Input{Identity: "svc.GetUser", Args: []any{5}}

	v, err := h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("expected fail_open to swallow the L2 error, got: %v", err)
	}
	if v.(map[string]any)["id"] != int64(5) {
		t.Fatalf("unexpected value: %#v", v)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected loader invoked once under fail_open, got %d", calls)
	}
}

func TestReadOrFillFailClosedPropagatesL2Error(t *testing.T) {
	t.Parallel()
	el2 := &errL2{Backend: membackend.New(), failN: 1000}
	rel := reliability.New(reliability.Config{
		BackpressureEnabled: false,
		BreakerEnabled:      false,
		TimeoutEnabled:      false,
	})
	h, _ := newTestHandler(t, Config{Namespace: "users", TTL: time.Minute, Fallback: FallbackFailClosed},
		WithL2(el2), WithReliability(rel))

	loader := func(ctx context.Context) (any, error) {
		t.Fatal("loader should never run under fail_closed when L2 is down")
		return nil, nil
	}
	in := keygen.Input{Identity: "svc.GetUser", Args: []any{6}}

	if _, err := h.ReadOrFill(context.Background(), in, loader); err == nil {
		t.Fatal("expected fail_closed to propagate the L2 error")
	}
}

func TestReadOrFillStaleOnErrorServesStaleL1(t *testing.T) {
	t.Parallel()
	el2 := &errL2{Backend: membackend.New(), failN: 1000}
	rel := reliability.New(reliability.Config{
		BackpressureEnabled: false,
		BreakerEnabled:      false,
		TimeoutEnabled:      false,
	})
	h, l1 := newTestHandler(t, Config{
		Namespace:  "users",
		TTL:        60 * time.Millisecond,
		SWREnabled: false,
		Fallback:   FallbackStaleOnError,
	}, WithL2(el2), WithReliability(rel))

	in := keygen.Input{Identity: "svc.GetUser", Args: []any{8}}
	key := keygen.CompositeKey(in)
	stored, err := h.encode("users", key, user(8))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	l1.Put(key, stored, 60*time.Millisecond, "users")
	// Past fresh_until, before hard expiry: a plain stale hit with SWR off.
	time.Sleep(50 * time.Millisecond)

	loader := func(ctx context.Context) (any, error) {
		t.Fatal("loader should not run: stale_on_error should have served the cached value")
		return nil, nil
	}

	v, err := h.ReadOrFill(context.Background(), in, loader)
	if err != nil {
		t.Fatalf("ReadOrFill: %v", err)
	}
	if v.(map[string]any)["id"] != int64(8) {
		t.Fatalf("expected stale value 8 served from L1, got %#v", v)
	}
}

func TestReadOrFillSingleFillUnderConcurrentStampede(t *testing.T) {
	t.Parallel()
	mem := membackend.New()
	rel := reliability.New(reliability.DefaultConfig())
	lock := distlock.New(mem, distlock.WithAcquireTimeout(2*time.Second), distlock.WithPollInterval(5*time.Millisecond))
	h, _ := newTestHandler(t, Config{Namespace: "users", TTL: time.Minute},
		WithL2(mem), WithReliability(rel), WithLock(lock))

	var calls int32
	loader := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond) // widen the race window
		return user(42), nil
	}
	in := keygen.Input{Identity: "svc.GetUser", Args: []any{42}}

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.ReadOrFill(context.Background(), in, loader)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
		if results[i].(map[string]any)["id"] != int64(42) {
			t.Fatalf("goroutine %d: unexpected result %#v", i, results[i])
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected the lock to single-fill the stampede, loader ran %d times", calls)
	}
}

func TestReadOrFillNamespaceOverridesHandlerDefault(t *testing.T) {
	t.Parallel()
	h, l1 := newTestHandler(t, Config{Namespace: "default-ns", TTL: time.Minute})

	loader := func(ctx context.Context) (any, error) { return user(1), nil }
	in := keygen.Input{Identity: "svc.GetUser", Args: []any{1}, Namespace: "override-ns"}

	if _, err := h.ReadOrFill(context.Background(), in, loader); err != nil {
		t.Fatalf("ReadOrFill: %v", err)
	}

	wantKey := keygen.CompositeKey(keygen.Input{Identity: "svc.GetUser", Args: []any{1}, Namespace: "override-ns"})
	if res := l1.Get(wantKey, time.Now()); !res.Hit {
		t.Fatalf("expected entry stored under the overriding namespace's key")
	}
}
