// Package handler implements the cache orchestrator described in spec.md
// §4.10: read_or_fill generates a key, checks L1, falls through to a
// reliability-wrapped L2, and on a full miss acquires the distributed lock
// before invoking the caller's loader exactly once per fleet (best effort).
// It is the one package that wires every other internal package together;
// the top-level cachekit package only supplies configuration and presets.
package handler

import (
	"context"
	"time"

	"github.com/cachekit-io/cachekit/internal/distlock"
	"github.com/cachekit-io/cachekit/internal/envcrypt"
	"github.com/cachekit-io/cachekit/internal/envelope"
	"github.com/cachekit-io/cachekit/internal/keygen"
	"github.com/cachekit-io/cachekit/internal/l1store"
	"github.com/cachekit-io/cachekit/internal/l2"
	"github.com/cachekit-io/cachekit/internal/logger"
	"github.com/cachekit-io/cachekit/internal/metrics"
	"github.com/cachekit-io/cachekit/internal/refreshpool"
	"github.com/cachekit-io/cachekit/internal/reliability"
	"github.com/cachekit-io/cachekit/internal/serializer"
)

// Fallback selects what read_or_fill does when the reliability envelope
// rejects an L2 call (spec.md §4.10 step 4).
type Fallback string

const (
	// FallbackFailOpen runs the loader directly, uncached, whenever L2 is
	// unavailable. Cache failures never break callers. This is the default.
	FallbackFailOpen Fallback = "fail_open"
	// FallbackFailClosed propagates the reliability error to the caller.
	FallbackFailClosed Fallback = "fail_closed"
	// FallbackStaleOnError serves the most recent L1 value even though it
	// is past its SWR threshold, if one is available; otherwise it behaves
	// like FallbackFailOpen.
	FallbackStaleOnError Fallback = "stale_on_error"
)

// Loader computes the value for a cache miss. It is never retried by this
// package and never cancelled by it either (spec.md §5).
type Loader func(ctx context.Context) (any, error)

// Config holds the per-decorator settings a Handler needs. One Handler
// serves one (namespace, ttl, serializer) combination; the top-level
// cachekit package constructs one Handler per Cache, shared by every
// computation read through that Cache.
type Config struct {
	Namespace  string
	TTL        time.Duration
	SWREnabled bool
	Fallback   Fallback
}

// Handler orchestrates reads and fills across L1, L2, the reliability
// envelope, the distributed lock, and the background refresh pool.
type Handler struct {
	cfg Config

	l1       *l1store.Store
	l2       l2.Backend // nil means L1-only
	rel      *reliability.Envelope
	lock     *distlock.Locker // nil disables single-fill locking
	pool     *refreshpool.Pool

	strategy serializer.Strategy  // used to encode new values
	registry *serializer.Registry // used to decode by stamped format tag
	cryptor  *envcrypt.Cryptor     // nil disables encryption

	log *logger.Logger
	m   *metrics.Metrics
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithL2 attaches the L2 backend. Omitting it runs the handler L1-only.
func WithL2(b l2.Backend) Option { return func(h *Handler) { h.l2 = b } }

// WithReliability attaches the reliability envelope guarding every L2 call.
// Required whenever WithL2 is used.
func WithReliability(r *reliability.Envelope) Option { return func(h *Handler) { h.rel = r } }

// WithLock attaches the distributed lock used to single-fill across a fleet
// on an L2 miss. Omitting it (or a nil backend that can't support locking)
// means every concurrent miss runs the loader independently.
func WithLock(l *distlock.Locker) Option { return func(h *Handler) { h.lock = l } }

// WithRefreshPool attaches the bounded worker pool background SWR refreshes
// run on. Omitting it disables background refresh: stale reads are served
// but never refreshed until the entry hard-expires.
func WithRefreshPool(p *refreshpool.Pool) Option { return func(h *Handler) { h.pool = p } }

// WithCryptor enables AEAD envelope encryption.
func WithCryptor(c *envcrypt.Cryptor) Option { return func(h *Handler) { h.cryptor = c } }

// WithLogger attaches a logger.
func WithLogger(l *logger.Logger) Option { return func(h *Handler) { h.log = l } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(h *Handler) { h.m = m } }

// New builds a Handler. strategy is used to encode values written by this
// handler; registry must at least contain strategy and is consulted to
// decode whatever format_tag a stored envelope carries, so a registry with
// more than one strategy lets a handler read entries written under a
// previous serializer configuration.
func New(cfg Config, l1 *l1store.Store, strategy serializer.Strategy, registry *serializer.Registry, opts ...Option) *Handler {
	if cfg.Fallback == "" {
		cfg.Fallback = FallbackFailOpen
	}
	h := &Handler{
		cfg:      cfg,
		l1:       l1,
		strategy: strategy,
		registry: registry,
		log:      logger.New("HANDLER", "warn"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ReadOrFill is the public read operation (spec.md §4.10). in.Namespace is
// overridden with the handler's configured namespace when empty.
func (h *Handler) ReadOrFill(ctx context.Context, in keygen.Input, loader Loader) (any, error) {
	namespace := in.Namespace
	if namespace == "" {
		namespace = h.cfg.Namespace
	}
	in.Namespace = namespace
	key := keygen.CompositeKey(in)

	var staleCandidate *l1store.GetResult
	v, ok, stale, refreshVersion := h.tryL1(namespace, key)
	if ok {
		if refreshVersion != nil {
			h.dispatchRefresh(key, namespace, *refreshVersion, loader)
		}
		return v, nil
	}
	staleCandidate = stale

	if h.l2 == nil {
		return h.fill(ctx, namespace, key, loader)
	}

	var l2data []byte
	var l2hit bool
	relErr := h.rel.Do(ctx, namespace, "l2.get", func(ctx context.Context) error {
		data, ok, err := h.l2.Get(ctx, key)
		if err != nil {
			return err
		}
		l2data, l2hit = data, ok
		return nil
	})
	if relErr != nil {
		return h.handleL2Failure(ctx, namespace, key, staleCandidate, loader, relErr)
	}

	if l2hit {
		if v, err := h.decode(namespace, key, l2data); err == nil {
			h.l1.Put(key, l2data, h.cfg.TTL, namespace)
			return v, nil
		} else {
			h.log.Warnf("get", "corrupt L2 entry for %s, treating as miss: %v", key, err)
			if h.m != nil {
				h.m.L2Errors.Add(1)
			}
		}
	}

	return h.fill(ctx, namespace, key, loader)
}

// tryL1 attempts to satisfy the read from L1. ok is true when the caller
// should return v immediately (a fresh hit, or a stale hit served under
// SWR). When ok is false and stale is non-nil, the entry was stale with
// SWR disabled and is kept around only as a candidate for the
// stale_on_error fallback if L2 later fails. refreshVersion is non-nil when
// ok is true and this caller won the refresh claim for that version — the
// caller (ReadOrFill) is responsible for actually dispatching the refresh,
// since only it holds the loader closure.
func (h *Handler) tryL1(namespace, key string) (v any, ok bool, stale *l1store.GetResult, refreshVersion *uint64) {
	res := h.l1.Get(key, time.Now())
	if !res.Hit {
		return nil, false, nil, nil
	}

	if res.Freshness == l1store.FRESH {
		decoded, err := h.decode(namespace, key, res.Bytes)
		if err == nil {
			return decoded, true, nil, nil
		}
		h.log.Warnf("get", "corrupt L1 entry for %s, treating as miss: %v", key, err)
		h.l1.Invalidate(key)
		return nil, false, nil, nil
	}

	// STALE.
	if !h.cfg.SWREnabled {
		r := res
		return nil, false, &r, nil
	}
	decoded, err := h.decode(namespace, key, res.Bytes)
	if err != nil {
		h.log.Warnf("get", "corrupt stale L1 entry for %s, treating as miss: %v", key, err)
		h.l1.Invalidate(key)
		return nil, false, nil, nil
	}
	if h.l1.MarkRefreshing(key, res.Version) {
		v := res.Version
		return decoded, true, nil, &v
	}
	return decoded, true, nil, nil
}

func (h *Handler) handleL2Failure(ctx context.Context, namespace, key string, stale *l1store.GetResult, loader Loader, relErr error) (any, error) {
	switch h.cfg.Fallback {
	case FallbackFailClosed:
		return nil, relErr
	case FallbackStaleOnError:
		if stale != nil {
			if v, err := h.decode(namespace, key, stale.Bytes); err == nil {
				return v, nil
			}
		}
		fallthrough
	default: // FallbackFailOpen
		return h.invokeLoader(ctx, loader)
	}
}

func (h *Handler) invokeLoader(ctx context.Context, loader Loader) (any, error) {
	if h.m != nil {
		h.m.LoaderInvocations.Add(1)
	}
	v, err := loader(ctx)
	if err != nil && h.m != nil {
		h.m.LoaderErrors.Add(1)
	}
	return v, err
}

// fill runs the single-fill path on an L2 (or L1-only) miss: acquire the
// distributed lock, double-check under it, and invoke loader only if still
// a miss.
func (h *Handler) fill(ctx context.Context, namespace, key string, loader Loader) (any, error) {
	var handle *distlock.Handle
	if h.lock != nil {
		hd, err := h.lock.Acquire(ctx, key)
		if err != nil {
			if h.m != nil {
				h.m.LockStampedes.Add(1)
			}
			h.log.Warnf("fill", "lock unavailable for %s, proceeding without it: %v", key, err)
		} else {
			handle = hd
			defer func() {
				if relErr := h.lock.Release(context.Background(), handle); relErr != nil {
					h.log.Warnf("fill", "lock release failed for %s: %v", key, relErr)
				}
			}()
		}
	}

	if handle != nil {
		if v, ok := h.doubleCheck(ctx, namespace, key); ok {
			return v, nil
		}
	}

	return h.invokeLoaderAndStore(ctx, namespace, key, loader)
}

// doubleCheck re-reads L1 then L2 after winning the lock: another holder
// may have filled the cache while this caller waited (spec.md §4.9).
func (h *Handler) doubleCheck(ctx context.Context, namespace, key string) (any, bool) {
	if res := h.l1.Get(key, time.Now()); res.Hit && res.Freshness == l1store.FRESH {
		if v, err := h.decode(namespace, key, res.Bytes); err == nil {
			return v, true
		}
	}
	if h.l2 == nil {
		return nil, false
	}

	var data []byte
	var ok bool
	relErr := h.rel.Do(ctx, namespace, "l2.get", func(ctx context.Context) error {
		d, o, err := h.l2.Get(ctx, key)
		if err != nil {
			return err
		}
		data, ok = d, o
		return nil
	})
	if relErr != nil || !ok {
		return nil, false
	}
	v, err := h.decode(namespace, key, data)
	if err != nil {
		return nil, false
	}
	h.l1.Put(key, data, h.cfg.TTL, namespace)
	return v, true
}

func (h *Handler) invokeLoaderAndStore(ctx context.Context, namespace, key string, loader Loader) (any, error) {
	value, err := h.invokeLoader(ctx, loader)
	if err != nil {
		return nil, err
	}
	h.store(ctx, namespace, key, value)
	return value, nil
}

// store encodes value and writes it through L2 (if configured) and L1. A
// failure to encode or to write L2 never fails the call: the loader already
// succeeded, and cache failures never break callers.
func (h *Handler) store(ctx context.Context, namespace, key string, value any) {
	stored, err := h.encode(namespace, key, value)
	if err != nil {
		h.log.Warnf("fill", "encode failed for %s, not caching: %v", key, err)
		return
	}
	if h.l2 != nil {
		if relErr := h.rel.Do(ctx, namespace, "l2.set", func(ctx context.Context) error {
			return h.l2.Set(ctx, key, stored, h.cfg.TTL)
		}); relErr != nil {
			h.log.Warnf("fill", "L2 set failed for %s: %v", key, relErr)
		}
	}
	h.l1.Put(key, stored, h.cfg.TTL, namespace)
}

// dispatchRefresh hands off a background SWR refresh to the pool. On
// completion it only applies the result if the L1 entry's version still
// matches the one captured when the refresh was claimed (spec.md §4.10).
func (h *Handler) dispatchRefresh(key, namespace string, version uint64, loader Loader) {
	if h.pool == nil {
		h.l1.ClearRefreshing(key, version)
		return
	}
	dispatched := h.pool.Dispatch(key, version, func() {
		ctx := context.Background()
		value, err := loader(ctx)
		if err != nil {
			h.log.Warnf("refresh", "background refresh failed for %s: %v", key, err)
			h.l1.ClearRefreshing(key, version)
			return
		}
		stored, err := h.encode(namespace, key, value)
		if err != nil {
			h.log.Warnf("refresh", "background refresh encode failed for %s: %v", key, err)
			h.l1.ClearRefreshing(key, version)
			return
		}
		if h.l2 != nil {
			if relErr := h.rel.Do(ctx, namespace, "l2.set", func(ctx context.Context) error {
				return h.l2.Set(ctx, key, stored, h.cfg.TTL)
			}); relErr != nil {
				h.log.Warnf("refresh", "background refresh L2 set failed for %s: %v", key, relErr)
			}
		}
		if !h.l1.PutIfVersion(key, version, stored, h.cfg.TTL, namespace) {
			if h.m != nil {
				h.m.RefreshDiscarded.Add(1)
			}
			h.log.Debugf("refresh", "discarded stale refresh result for %s", key)
		}
	})
	if !dispatched {
		h.l1.ClearRefreshing(key, version)
	}
}

// decode reverses encode: optional AEAD open, then envelope retrieve, then
// lookup the stamped format tag in the registry and deserialize.
func (h *Handler) decode(namespace, key string, stored []byte) (any, error) {
	data := stored
	if h.cryptor != nil {
		plain, err := h.cryptor.Open(namespace, []byte(key), data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	plaintext, tag, err := envelope.Retrieve(data)
	if err != nil {
		return nil, err
	}
	strat, err := h.registry.Lookup(tag)
	if err != nil {
		return nil, err
	}
	return strat.Deserialize(plaintext)
}

// encode serializes value with the handler's configured strategy, frames
// it in an envelope, and seals it if encryption is enabled.
func (h *Handler) encode(namespace, key string, value any) ([]byte, error) {
	plaintext, err := h.strategy.Serialize(value)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Store(plaintext, h.strategy.FormatTag())
	if err != nil {
		return nil, err
	}
	if h.cryptor != nil {
		return h.cryptor.Seal(namespace, []byte(key), env)
	}
	return env, nil
}
