package refreshpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatchRunsFn(t *testing.T) {
	t.Parallel()
	p := New(4)
	done := make(chan struct{})
	ok := p.Dispatch("k1", 1, func() { close(done) })
	if !ok {
		t.Fatalf("expected dispatch to succeed")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("fn never ran")
	}
}

func TestCloseDrainsInFlightThenRejectsNewDispatch(t *testing.T) {
	t.Parallel()
	p := New(4)
	started := make(chan struct{})
	release := make(chan struct{})
	var finished int32

	ok := p.Dispatch("k1", 1, func() {
		close(started)
		<-release
		atomic.AddInt32(&finished, 1)
	})
	if !ok {
		t.Fatalf("expected dispatch to succeed")
	}
	<-started

	closeDone := make(chan struct{})
	go func() {
		p.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatalf("Close returned before in-flight refresh finished")
	case <-time.After(20 * time.Millisecond):
	}

	if ok := p.Dispatch("k2", 1, func() {}); ok {
		t.Fatalf("Dispatch after Close should be rejected")
	}

	close(release)
	<-closeDone
	if atomic.LoadInt32(&finished) != 1 {
		t.Fatalf("in-flight refresh did not complete before Close returned")
	}
}

func TestDuplicateDispatchSameVersionSkipped(t *testing.T) {
	t.Parallel()
	p := New(4)
	var calls atomic.Int32
	release := make(chan struct{})

	first := p.Dispatch("k1", 1, func() {
		calls.Add(1)
		<-release
	})
	if !first {
		t.Fatalf("expected first dispatch to succeed")
	}

	second := p.Dispatch("k1", 1, func() { calls.Add(1) })
	if second {
		t.Fatalf("expected duplicate (key,version) dispatch to be rejected")
	}
	close(release)
}

func TestDifferentVersionNotBlockedByInflight(t *testing.T) {
	t.Parallel()
	p := New(4)
	release := make(chan struct{})

	p.Dispatch("k1", 1, func() { <-release })

	ok := p.Dispatch("k1", 2, func() {})
	if !ok {
		t.Fatalf("expected dispatch for a newer version to proceed")
	}
	close(release)
}

func TestSaturatedPoolSkipsDispatch(t *testing.T) {
	t.Parallel()
	p := New(1)
	release := make(chan struct{})
	started := make(chan struct{})

	p.Dispatch("k1", 1, func() {
		close(started)
		<-release
	})
	<-started

	ok := p.Dispatch("k2", 1, func() {})
	if ok {
		t.Fatalf("expected second dispatch to be skipped when pool is saturated")
	}
	close(release)
}

func TestConcurrentDispatchesRespectBound(t *testing.T) {
	t.Parallel()
	const bound = 3
	p := New(bound)

	var maxObserved atomic.Int32
	var current atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Dispatch(keyFor(i), 1, func() {
				n := current.Add(1)
				for {
					old := maxObserved.Load()
					if n <= old || maxObserved.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
			})
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)

	if maxObserved.Load() > bound {
		t.Fatalf("observed %d concurrent refreshes, bound is %d", maxObserved.Load(), bound)
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
