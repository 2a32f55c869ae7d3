package distlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/l2/membackend"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	t.Parallel()
	backend := membackend.New()
	l := New(backend, WithTTL(time.Second), WithAcquireTimeout(time.Second))
	ctx := context.Background()

	h, err := l.Acquire(ctx, "ns:k1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// After release, a second acquire should succeed immediately.
	h2, err := l.Acquire(ctx, "ns:k1")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	l.Release(ctx, h2)
}

func TestSingleFillUnderContention(t *testing.T) {
	t.Parallel()
	backend := membackend.New()
	l := New(backend, WithTTL(time.Second), WithAcquireTimeout(2*time.Second), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	var loaderCalls atomic.Int64
	var wg sync.WaitGroup
	const n = 10
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			h, err := l.Acquire(ctx, "ns:hot-key")
			if err != nil {
				return
			}
			defer l.Release(ctx, h)
			loaderCalls.Add(1)
			time.Sleep(10 * time.Millisecond)
		}()
	}
	wg.Wait()

	if loaderCalls.Load() != n {
		t.Fatalf("expected all %d holders to eventually acquire serially, got %d", n, loaderCalls.Load())
	}
}

func TestAcquireTimesOutWhenHeldTooLong(t *testing.T) {
	t.Parallel()
	backend := membackend.New()
	l := New(backend, WithTTL(time.Hour), WithAcquireTimeout(50*time.Millisecond), WithPollInterval(5*time.Millisecond))
	ctx := context.Background()

	h, err := l.Acquire(ctx, "ns:k1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l.Release(ctx, h)

	_, err = l.Acquire(ctx, "ns:k1")
	if !errors.Is(err, cacheerr.ErrLockAcquireTimeout) {
		t.Fatalf("expected ErrLockAcquireTimeout, got %v", err)
	}
}

func TestReleaseOnlyDeletesOwnLock(t *testing.T) {
	t.Parallel()
	backend := membackend.New()
	l := New(backend, WithTTL(10*time.Millisecond), WithAcquireTimeout(time.Second), WithPollInterval(2*time.Millisecond))
	ctx := context.Background()

	h1, err := l.Acquire(ctx, "ns:k1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Let h1's TTL expire so a second acquirer can take over.
	time.Sleep(20 * time.Millisecond)
	h2, err := l.Acquire(ctx, "ns:k1")
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	// h1's stale Release must not delete h2's lock.
	if err := l.Release(ctx, h1); err != nil {
		t.Fatalf("Release h1: %v", err)
	}

	ok, _ := backend.Exists(ctx, "lock:ns:k1")
	if !ok {
		t.Fatalf("expected h2's lock to survive h1's release")
	}
	l.Release(ctx, h2)
}
