// Package distlock implements the single-fill distributed lock described
// in spec.md §4.9: before invoking the user computation on an L2 miss, the
// handler acquires a lock named after the cache key so at most one holder
// across the fleet runs the computation at a time.
//
// The lock is built on l2.Locker's SetNX/CompareDelete rather than a
// bespoke lock server, the same way calvinalkan-agent-task's ticket.Lock
// builds a higher-level WithTicketLock on top of a single primitive
// (there, flock; here, a backend's atomic conditional put). The holder-id
// is a random token (github.com/google/uuid, the dependency
// launix-de-memcp pulls in for exactly this purpose) so release only ever
// deletes the caller's own lock, never a lock some other holder has since
// acquired after a timeout.
package distlock

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/l2"
	"github.com/cachekit-io/cachekit/internal/logger"
	"github.com/cachekit-io/cachekit/internal/metrics"
)

// DefaultPollInterval is the backoff between acquire attempts while a lock
// is held by someone else (spec.md §4.9: "poll (with backoff ~50ms)").
const DefaultPollInterval = 50 * time.Millisecond

const lockKeyPrefix = "lock:"

// Locker coordinates single-fill access to cache keys across a fleet of
// processes sharing the same l2.Locker-capable backend.
type Locker struct {
	backend       l2.Locker
	ttl           time.Duration
	acquireTimeout time.Duration
	pollInterval  time.Duration
	log           *logger.Logger
	m             *metrics.Metrics
}

// Option configures a Locker at construction time.
type Option func(*Locker)

// WithTTL overrides the lock TTL. Must exceed expected computation time
// plus a safety margin (spec.md §4.9); the caller, not this package,
// knows that margin, so there is no built-in default beyond a
// conservative 30s.
func WithTTL(d time.Duration) Option { return func(l *Locker) { l.ttl = d } }

// WithAcquireTimeout overrides how long Acquire polls before giving up and
// reporting ErrLockAcquireTimeout.
func WithAcquireTimeout(d time.Duration) Option {
	return func(l *Locker) { l.acquireTimeout = d }
}

// WithPollInterval overrides the backoff between acquire attempts.
func WithPollInterval(d time.Duration) Option { return func(l *Locker) { l.pollInterval = d } }

// WithLogger attaches a logger.
func WithLogger(lg *logger.Logger) Option { return func(l *Locker) { l.log = lg } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Locker) { l.m = m } }

// New builds a Locker over backend, which must implement l2.Locker.
// Defaults: 30s TTL, 5s acquire timeout, 50ms poll interval.
func New(backend l2.Locker, opts ...Option) *Locker {
	l := &Locker{
		backend:        backend,
		ttl:            30 * time.Second,
		acquireTimeout: 5 * time.Second,
		pollInterval:   DefaultPollInterval,
		log:            logger.New("LOCK", "warn"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Handle represents a held lock; Release must be called exactly once.
type Handle struct {
	key     string
	holder  []byte
	l       *Locker
}

// Acquire tries to take the lock named after cacheKey, polling with
// backoff until it succeeds or acquireTimeout elapses. On timeout it
// returns (nil, cacheerr wrapping ErrLockAcquireTimeout) — the caller
// should fall through and run the computation unlocked, per spec.md
// §4.9's documented stampede-window degradation.
func (l *Locker) Acquire(ctx context.Context, cacheKey string) (*Handle, error) {
	lockKey := lockKeyPrefix + cacheKey
	holder := []byte(uuid.NewString())
	deadline := time.Now().Add(l.acquireTimeout)

	for {
		acquired, err := l.backend.SetNX(ctx, lockKey, holder, l.ttl)
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindTransient, "distlock.acquire", cacheKey, err)
		}
		if acquired {
			if l.m != nil {
				l.m.LockAcquired.Add(1)
			}
			return &Handle{key: lockKey, holder: holder, l: l}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if l.m != nil {
				l.m.LockTimedOut.Add(1)
			}
			return nil, cacheerr.New(cacheerr.KindRejection, "distlock.acquire", cacheKey, cacheerr.ErrLockAcquireTimeout)
		}

		wait := l.pollInterval
		if wait > remaining {
			wait = remaining
		}
		// Jitter the poll slightly so many waiters released at once by the
		// same holder's TTL don't all retry in lockstep.
		wait += time.Duration(rand.Int63n(int64(l.pollInterval) / 4+1)) //nolint:gosec // jitter, not security-sensitive

		select {
		case <-ctx.Done():
			return nil, cacheerr.New(cacheerr.KindRejection, "distlock.acquire", cacheKey, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Release deletes the lock only if it still holds h's token — another
// holder may have since taken over after this handle's TTL expired, and
// that holder's lock must not be clobbered.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	_, err := l.backend.CompareDelete(ctx, h.key, h.holder)
	if err != nil {
		return cacheerr.New(cacheerr.KindTransient, "distlock.release", h.key, err)
	}
	return nil
}
