// Package cachekit is the public API described in spec.md §4.11: a
// Decorator/Orchestrator that binds a user computation to the internal
// cache handler. It never uses reflection on the wrapped callable — every
// call site passes its own stable Identity string (spec.md §9 "Decorator
// layering") — and a process is free to construct as many Cache values as
// it has distinct (namespace, ttl, serializer, backend) combinations; a
// single global Cache is equally acceptable (spec.md §9 "Global state").
package cachekit

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/config"
	"github.com/cachekit-io/cachekit/internal/distlock"
	"github.com/cachekit-io/cachekit/internal/envcrypt"
	"github.com/cachekit-io/cachekit/internal/handler"
	"github.com/cachekit-io/cachekit/internal/invalidation"
	"github.com/cachekit-io/cachekit/internal/keygen"
	"github.com/cachekit-io/cachekit/internal/l1store"
	"github.com/cachekit-io/cachekit/internal/l2"
	"github.com/cachekit-io/cachekit/internal/l2/bboltbackend"
	"github.com/cachekit-io/cachekit/internal/l2/fsbackend"
	"github.com/cachekit-io/cachekit/internal/l2/httpbackend"
	"github.com/cachekit-io/cachekit/internal/l2/membackend"
	"github.com/cachekit-io/cachekit/internal/logger"
	"github.com/cachekit-io/cachekit/internal/metrics"
	"github.com/cachekit-io/cachekit/internal/refreshpool"
	"github.com/cachekit-io/cachekit/internal/reliability"
	"github.com/cachekit-io/cachekit/internal/serializer"
	"github.com/cachekit-io/cachekit/internal/serializer/binary"
	"github.com/cachekit-io/cachekit/internal/serializer/columnar"
	"github.com/cachekit-io/cachekit/internal/serializer/jsonfast"
	"github.com/cachekit-io/cachekit/internal/serializer/numeric"
)

// Loader computes the value for a cache miss (spec.md §4.10). It is never
// retried or cancelled by Cache; a caller wanting a bounded loader runtime
// must enforce it with its own context deadline.
type Loader = handler.Loader

// Fallback selects what Get does when the reliability envelope rejects an
// L2 call (spec.md §4.10 step 4, §7).
type Fallback = handler.Fallback

// Fallback values (spec.md §4.11 "fallback").
const (
	FallbackFailOpen     = handler.FallbackFailOpen
	FallbackFailClosed   = handler.FallbackFailClosed
	FallbackStaleOnError = handler.FallbackStaleOnError
)

// Cache is one constructed decorator/orchestrator: a fixed (namespace,
// ttl, serializer, backend, reliability, encryption) combination wired
// from a Config by New. Bind as many distinct computations to it as share
// that combination; construct a second Cache for a different one.
type Cache struct {
	cfg Config

	handler *handler.Handler
	l1      *l1store.Store
	l2      l2.Backend
	lock    *distlock.Locker
	pool    *refreshpool.Pool
	bus     *invalidation.Bus
	cryptor *envcrypt.Cryptor

	m   *metrics.Metrics
	log *logger.Logger
}

const bytesPerMiB = 1024 * 1024

// New builds a Cache from cfg, first consulting the process-wide defaults
// internal/config.Load() reads from cachekit-config.json and the
// environment (spec.md §6 "Configuration": "Process-wide defaults may be
// taken from environment ... Decorator-level configuration overrides
// defaults"). Only fields cfg leaves at their zero value are filled from
// those defaults; anything cfg sets explicitly wins. cfg.Validate is then
// called internally; an invalid combination returns a *cacheerr.Error of
// cacheerr.KindConfiguration and no Cache. Non-fatal observations from
// Validate (a requested feature silently downgrading) are logged as
// warnings, not returned.
func New(cfg Config) (*Cache, error) {
	proc := config.Load()
	applyProcessDefaults(&cfg, proc)

	report, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	logLevel := proc.LogLevel
	if logLevel == "" {
		logLevel = "warn"
	}

	m := metrics.New()
	log := logger.New("CACHE", logLevel)
	for _, w := range report.Warnings {
		log.Warnf("new", "%s", w)
	}

	maxBytes := int64(cfg.L1.MaxSizeMB) * bytesPerMiB
	if !cfg.L1.Enabled {
		// A zero byte budget evicts every entry immediately after Put,
		// which is observably identical to "L1 disabled" without the
		// handler needing a separate code path for it.
		maxBytes = 0
	}
	l1 := l1store.New(
		l1store.WithMaxBytes(maxBytes),
		l1store.WithNamespaceIndex(cfg.L1.NamespaceIndex),
		l1store.WithSWRThresholdRatio(cfg.L1.SWRThresholdRatio),
		l1store.WithLogger(logger.New("L1", logLevel)),
		l1store.WithMetrics(m),
	)

	strategy, err := resolveSerializer(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	registry := serializer.NewRegistry(binary.New(), jsonfast.New(), columnar.New(), numeric.New())

	c := &Cache{cfg: cfg, l1: l1, m: m, log: log}

	backend, err := openBackend(cfg, proc, logLevel)
	if err != nil {
		return nil, err
	}
	c.l2 = backend

	opts := []handler.Option{
		handler.WithLogger(logger.New("HANDLER", logLevel)),
		handler.WithMetrics(m),
	}

	if backend != nil {
		opts = append(opts, handler.WithL2(backend))

		rel := reliability.New(reliabilityConfig(cfg),
			reliability.WithLogger(logger.New("RELIABILITY", logLevel)),
			reliability.WithMetrics(m),
		)
		opts = append(opts, handler.WithReliability(rel))

		if cfg.LockEnabled {
			if locker, ok := backend.(l2.Locker); ok {
				dl := distlock.New(locker,
					distlock.WithTTL(cfg.LockTTL),
					distlock.WithAcquireTimeout(cfg.LockAcquireTimeout),
					distlock.WithLogger(logger.New("LOCK", logLevel)),
					distlock.WithMetrics(m),
				)
				opts = append(opts, handler.WithLock(dl))
				c.lock = dl
			}
		}
	}

	if cfg.L1.SWREnabled {
		poolSize := cfg.RefreshPoolSize
		if poolSize <= 0 {
			poolSize = 8
		}
		pool := refreshpool.New(poolSize,
			refreshpool.WithLogger(logger.New("REFRESH", logLevel)),
			refreshpool.WithMetrics(m),
		)
		opts = append(opts, handler.WithRefreshPool(pool))
		c.pool = pool
	}

	if len(cfg.Encryption.MasterKeysHex) > 0 {
		keys := make([][]byte, len(cfg.Encryption.MasterKeysHex))
		for i, hx := range cfg.Encryption.MasterKeysHex {
			raw, decErr := hex.DecodeString(hx)
			if decErr != nil {
				// Validate already checked this; unreachable in practice.
				return nil, configErr("encryption.master_key[%d] is not valid hex: %v", i, decErr)
			}
			keys[i] = raw
		}
		cryptor, cryptErr := envcrypt.New(keys...)
		if cryptErr != nil {
			return nil, cryptErr
		}
		opts = append(opts, handler.WithCryptor(cryptor))
		c.cryptor = cryptor
	}

	c.handler = handler.New(handler.Config{
		Namespace:  cfg.Namespace,
		TTL:        cfg.TTL,
		SWREnabled: cfg.L1.SWREnabled,
		Fallback:   cfg.Fallback,
	}, l1, strategy, registry, opts...)

	if cfg.L1.InvalidationEnabled {
		c.bus = invalidation.New(invalidation.NewLocalTransport(), l1,
			invalidation.WithLogger(logger.New("BUS", logLevel)),
			invalidation.WithMetrics(m),
		)
	}

	return c, nil
}

// openBackend constructs cfg's L2 backend. proc supplies the process-wide
// connection pool size and socket timeout (spec.md §6 "Configuration")
// applied to httpbackend regardless of whether cfg.BackendURL came from
// cfg itself or was filled in from proc.L2ConnectionURL by
// applyProcessDefaults.
func openBackend(cfg Config, proc *config.Config, logLevel string) (l2.Backend, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return membackend.New(), nil
	case BackendBbolt:
		b, err := bboltbackend.Open(cfg.BackendPath, bboltbackend.WithLogger(logger.New("L2-BBOLT", logLevel)))
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindConfiguration, "cachekit.new", "", err)
		}
		return b, nil
	case BackendFS:
		b, err := fsbackend.Open(cfg.BackendPath)
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindConfiguration, "cachekit.new", "", err)
		}
		return b, nil
	case BackendHTTP:
		b, err := httpbackend.New(cfg.BackendURL,
			httpbackend.WithMaxIdleConns(proc.L2PoolSize),
			httpbackend.WithSocketTimeout(proc.L2SocketTimeout),
		)
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindConfiguration, "cachekit.new", "", err)
		}
		return b, nil
	default:
		return nil, configErr("unknown backend %q", cfg.Backend)
	}
}

func reliabilityConfig(cfg Config) reliability.Config {
	rc := reliability.DefaultConfig()
	rc.BackpressureEnabled = cfg.Backpressure.Enabled
	if cfg.Backpressure.Enabled {
		rc.MaxConcurrent = cfg.Backpressure.MaxConcurrent
	}
	rc.BreakerEnabled = cfg.CircuitBreaker.Enabled
	if cfg.CircuitBreaker.Enabled {
		rc.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
		if cfg.CircuitBreaker.Window > 0 {
			rc.Window = cfg.CircuitBreaker.Window
		}
		rc.RecoveryTimeout = cfg.CircuitBreaker.RecoveryTimeout
	}
	rc.TimeoutEnabled = cfg.Timeout.Enabled
	if cfg.Timeout.Enabled {
		rc.BaseTimeout = msToDuration(cfg.Timeout.BaseMs)
		rc.MaxTimeout = msToDuration(cfg.Timeout.MaxMs)
		rc.Multiplier = cfg.Timeout.Multiplier
	}
	return rc
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// applyProcessDefaults fills fields cfg leaves at their zero value from
// proc, the process-wide settings internal/config.Load() assembled from
// cachekit-config.json and the environment. It never overwrites a field
// cfg already sets explicitly — decorator-level configuration always
// overrides these defaults (spec.md §6 "Configuration").
func applyProcessDefaults(cfg *Config, proc *config.Config) {
	if cfg.TTL <= 0 && proc.DefaultTTL > 0 {
		cfg.TTL = proc.DefaultTTL
	}
	if cfg.Backend == "" && proc.L2ConnectionURL != "" {
		cfg.Backend = BackendHTTP
		cfg.BackendURL = proc.L2ConnectionURL
	}
	if len(cfg.Encryption.MasterKeysHex) == 0 && proc.MasterKeyHex != "" {
		cfg.Encryption.MasterKeysHex = []string{proc.MasterKeyHex}
	}
}

func resolveSerializer(tag string) (serializer.Strategy, error) {
	switch tag {
	case "", serializer.TagBinary:
		return binary.New(), nil
	case serializer.TagJSONFast:
		return jsonfast.New(), nil
	case serializer.TagColumnar:
		return columnar.New(), nil
	case serializer.TagNumeric:
		return numeric.New(), nil
	default:
		return nil, configErr("unknown serializer %q", tag)
	}
}

// Get is the public read_or_fill operation (spec.md §4.10). identity must
// be a stable string naming the wrapped computation across processes and
// versions (e.g. "pkg.Service.GetUser"); args and kwargs are folded into
// the key fingerprint by internal/keygen. namespace overrides the Cache's
// configured namespace for this call when non-empty, scoping both the key
// and invalidation to a sub-namespace without building a second Cache.
func (c *Cache) Get(ctx context.Context, namespace, identity string, args []any, kwargs map[string]any, loader Loader) (any, error) {
	in := keygen.Input{Identity: identity, Args: args, KWArgs: kwargs, Namespace: namespace}
	return c.handler.ReadOrFill(ctx, in, loader)
}

// Invalidate drops the single entry identified by (namespace, identity,
// args, kwargs) from L1, deletes it from L2 if configured, and — when the
// invalidation bus is enabled — broadcasts the event to other processes.
func (c *Cache) Invalidate(ctx context.Context, namespace, identity string, args []any, kwargs map[string]any) error {
	if namespace == "" {
		namespace = c.cfg.Namespace
	}
	key := keygen.CompositeKey(keygen.Input{Identity: identity, Args: args, KWArgs: kwargs, Namespace: namespace})

	if c.l2 != nil {
		if _, err := c.l2.Delete(ctx, key); err != nil {
			return err
		}
	}
	if c.bus != nil {
		return c.bus.PublishKey(ctx, key)
	}
	c.l1.Invalidate(key)
	return nil
}

// InvalidateNamespace drops every L1 entry in namespace and broadcasts the
// event when the bus is enabled. It does not attempt to enumerate and
// delete the namespace's keys from L2 — L2 entries age out by their own
// TTL, same as a bus-less L1 invalidation leaves other processes' L1s to
// expire naturally (spec.md §4.6).
func (c *Cache) InvalidateNamespace(ctx context.Context, namespace string) error {
	if c.bus != nil {
		return c.bus.PublishNamespace(ctx, namespace)
	}
	c.l1.InvalidateNamespace(namespace)
	return nil
}

// InvalidateAll clears every L1 entry in this process and broadcasts a
// full-flush event when the bus is enabled.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if c.bus != nil {
		return c.bus.PublishAll(ctx)
	}
	c.l1.InvalidateAll()
	return nil
}

// Metrics returns the counters and latency histograms this Cache
// populates (spec.md §6 "Observable side effects"). The core never
// chooses an exposition format; a caller wires Metrics().Snapshot() (or
// the individual fields) into Prometheus, StatsD, or anything else.
func (c *Cache) Metrics() *metrics.Metrics { return c.m }

// Close releases every resource this Cache holds: it drains the
// background refresh pool, closes the invalidation bus subscription, and
// closes the L2 backend. It is safe to call once after the Cache is no
// longer in use; calling Get afterward has undefined results, same as any
// other use-after-close (spec.md §9 "Global state").
func (c *Cache) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.pool != nil {
		note(c.pool.Close())
	}
	if c.bus != nil {
		note(c.bus.Close())
	}
	if c.l2 != nil {
		note(c.l2.Close())
	}
	return firstErr
}
