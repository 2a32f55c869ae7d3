// Package refreshpool runs stale-while-revalidate background refreshes on
// a small bounded worker pool: a buffered channel used as a semaphore
// bounds concurrency, and a mutex-guarded in-flight set keyed by
// (key, version) prevents two goroutines from refreshing the same entry
// concurrently, enforced here at dispatch time as a second line of
// defense alongside l1store.Store.MarkRefreshing itself.
//
// If the pool is saturated, Dispatch drops the refresh and the stale read
// already returned to the caller simply stands until the next attempt.
package refreshpool

import (
	"fmt"
	"sync"

	"github.com/cachekit-io/cachekit/internal/logger"
	"github.com/cachekit-io/cachekit/internal/metrics"
)

// Pool bounds concurrent background refreshes.
type Pool struct {
	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
	closed   bool

	log *logger.Logger
	m   *metrics.Metrics
}

// New builds a Pool allowing at most maxConcurrent refreshes in flight at
// once.
func New(maxConcurrent int, opts ...Option) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	p := &Pool{
		sem:      make(chan struct{}, maxConcurrent),
		inflight: make(map[string]bool),
		log:      logger.New("REFRESH", "warn"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLogger attaches a logger.
func WithLogger(l *logger.Logger) Option { return func(p *Pool) { p.log = l } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pool) { p.m = m } }

// dedupeKey scopes in-flight dedup to (key, version) so a refresh of a
// newer version of the same key is never blocked by an older one's
// in-flight dedup entry.
func dedupeKey(key string, version uint64) string { return fmt.Sprintf("%s\x00%d", key, version) }

// Dispatch runs fn on the pool if there is capacity and no refresh for
// (key, version) is already in flight. It returns immediately; the caller
// never blocks on fn's completion. It reports whether fn was actually
// dispatched.
func (p *Pool) Dispatch(key string, version uint64, fn func()) bool {
	dk := dedupeKey(key, version)

	p.mu.Lock()
	if p.closed || p.inflight[dk] {
		p.mu.Unlock()
		return false
	}
	p.inflight[dk] = true
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	default:
		p.mu.Lock()
		delete(p.inflight, dk)
		p.mu.Unlock()
		if p.m != nil {
			p.m.RefreshSkipped.Add(1)
		}
		p.log.Debug("dispatch", "pool saturated, skipping refresh for "+key)
		return false
	}

	if p.m != nil {
		p.m.RefreshDispatched.Add(1)
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.mu.Lock()
			delete(p.inflight, dk)
			p.mu.Unlock()
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

// Close marks the pool as no longer accepting new refreshes and blocks
// until every already-dispatched refresh has returned, so a caller tearing
// down a Cache never leaves a background goroutine touching an L1 store
// that has since been discarded (spec.md §9 "teardown must ... drain
// background refresh workers").
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
