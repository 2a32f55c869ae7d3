package cachekit

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/handler"
)

// BackendKind selects which internal/l2 implementation a Cache's L2 tier
// uses (spec.md §4.11 "backend").
type BackendKind string

const (
	// BackendNone runs the cache L1-only; every miss falls straight to the
	// loader with no distributed-lock single-fill across processes.
	BackendNone BackendKind = "none"
	// BackendMemory uses internal/l2/membackend: in-process, for tests and
	// single-process deployments.
	BackendMemory BackendKind = "memory"
	// BackendBbolt uses internal/l2/bboltbackend: an embedded, single-process
	// durable store. BackendPath names the bbolt file.
	BackendBbolt BackendKind = "bbolt"
	// BackendFS uses internal/l2/fsbackend: one file per key under
	// BackendPath, the closest thing to "local filesystem (single-process)"
	// in spec.md §6 without requiring a server process.
	BackendFS BackendKind = "fs"
	// BackendHTTP uses internal/l2/httpbackend against BackendURL: the
	// "remote shared store (default)" case for a real fleet deployment.
	// An HTTP backend cannot offer internal/l2.Locker, so LockEnabled has
	// no effect when this is chosen: no lock is built, and concurrent
	// misses on one key each run the loader, even within one process.
	BackendHTTP BackendKind = "http"
)

// L1Config tunes the in-process tier (spec.md §4.11 "l1.*").
type L1Config struct {
	Enabled             bool
	MaxSizeMB           int
	SWREnabled          bool
	SWRThresholdRatio   float64
	NamespaceIndex      bool
	InvalidationEnabled bool // subscribe/publish on the invalidation bus
}

// CircuitBreakerConfig tunes the reliability envelope's breaker.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	Window           time.Duration
	RecoveryTimeout  time.Duration
}

// TimeoutConfig tunes the reliability envelope's adaptive timeout.
type TimeoutConfig struct {
	Enabled    bool
	BaseMs     int
	MaxMs      int
	Multiplier float64
}

// BackpressureConfig tunes the reliability envelope's admission control.
type BackpressureConfig struct {
	Enabled       bool
	MaxConcurrent int
}

// EncryptionConfig enables AEAD envelope wrapping when MasterKeysHex is
// non-empty. Keys are listed newest-first; only the first is ever used to
// seal new entries, but every listed key is tried when opening one, so a
// rotation is just prepending a new key and leaving the old ones in place
// until their entries age out (spec.md §4.3).
type EncryptionConfig struct {
	MasterKeysHex []string
}

// Config is the full decorator configuration (spec.md §4.11's option
// table). Zero-value Config is not valid; build one with a preset
// (Minimal, Dev, Production, Secure, Test) and adjust fields, or populate
// fields directly and call Validate before New.
type Config struct {
	TTL        time.Duration
	Namespace  string
	Serializer string // one of serializer.Tag{Binary,JSONFast,Columnar,Numeric}, default TagBinary
	Fallback   handler.Fallback

	Backend     BackendKind
	BackendPath string // bbolt file path / fs root directory
	BackendURL  string // httpbackend base URL

	L1             L1Config
	CircuitBreaker CircuitBreakerConfig
	Timeout        TimeoutConfig
	Backpressure   BackpressureConfig
	Encryption     EncryptionConfig

	LockEnabled        bool
	LockTTL            time.Duration
	LockAcquireTimeout time.Duration

	RefreshPoolSize int
}

// CompileReport is returned by Validate alongside a nil error: the
// resolved, defaulted view of a Config plus any non-fatal observations,
// modeled on the Chartly pack's pkg/profiles compiler — turning "did this
// combination of options make sense" into a single checkpoint at
// construction time rather than scattered nil checks at call time.
type CompileReport struct {
	Warnings []string
}

func (r *CompileReport) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks cfg for internally-inconsistent or out-of-range
// combinations and returns a CompileReport describing what it found.
// Hard failures are returned as a *cacheerr.Error of KindConfiguration;
// soft observations (a requested feature downgrading silently) are
// reported as warnings so New can still proceed.
func (cfg Config) Validate() (*CompileReport, error) {
	report := &CompileReport{}

	if cfg.TTL <= 0 {
		return nil, configErr("ttl must be positive, got %s", cfg.TTL)
	}

	switch cfg.Backend {
	case "", BackendNone:
		if cfg.LockEnabled {
			report.warn("lock_enabled has no effect without a backend; there is no L2 miss to single-fill against")
		}
	case BackendMemory:
		// No further requirements.
	case BackendBbolt, BackendFS:
		if cfg.BackendPath == "" {
			return nil, configErr("backend %q requires BackendPath", cfg.Backend)
		}
	case BackendHTTP:
		if cfg.BackendURL == "" {
			return nil, configErr("backend %q requires BackendURL", cfg.Backend)
		}
		if cfg.LockEnabled {
			report.warn("backend %q cannot offer a distributed lock; lock_enabled has no effect and concurrent misses each run the loader", cfg.Backend)
		}
	default:
		return nil, configErr("unknown backend %q", cfg.Backend)
	}

	if cfg.L1.Enabled && cfg.L1.MaxSizeMB < 0 {
		return nil, configErr("l1.max_size_mb must be >= 0, got %d", cfg.L1.MaxSizeMB)
	}
	if cfg.L1.SWREnabled {
		if cfg.L1.SWRThresholdRatio < 0.1 || cfg.L1.SWRThresholdRatio > 1.0 {
			return nil, configErr("l1.swr_threshold_ratio must be in [0.1, 1.0], got %g", cfg.L1.SWRThresholdRatio)
		}
		if cfg.RefreshPoolSize < 0 {
			return nil, configErr("refresh pool size must be >= 0, got %d", cfg.RefreshPoolSize)
		}
	}
	if cfg.L1.InvalidationEnabled && !cfg.L1.Enabled {
		return nil, configErr("l1.invalidation_enabled requires l1.enabled")
	}

	if cfg.CircuitBreaker.Enabled {
		if cfg.CircuitBreaker.FailureThreshold <= 0 {
			return nil, configErr("circuit_breaker.failure_threshold must be positive, got %d", cfg.CircuitBreaker.FailureThreshold)
		}
		if cfg.CircuitBreaker.RecoveryTimeout <= 0 {
			return nil, configErr("circuit_breaker.recovery_timeout must be positive, got %s", cfg.CircuitBreaker.RecoveryTimeout)
		}
	}
	if cfg.Timeout.Enabled {
		if cfg.Timeout.BaseMs <= 0 || cfg.Timeout.MaxMs <= 0 || cfg.Timeout.BaseMs > cfg.Timeout.MaxMs {
			return nil, configErr("timeout.base_ms/max_ms invalid: base=%d max=%d", cfg.Timeout.BaseMs, cfg.Timeout.MaxMs)
		}
		if cfg.Timeout.Multiplier <= 0 {
			return nil, configErr("timeout.multiplier must be positive, got %g", cfg.Timeout.Multiplier)
		}
	}
	if cfg.Backpressure.Enabled && cfg.Backpressure.MaxConcurrent <= 0 {
		return nil, configErr("backpressure.max_concurrent must be positive, got %d", cfg.Backpressure.MaxConcurrent)
	}

	for i, k := range cfg.Encryption.MasterKeysHex {
		raw, err := hex.DecodeString(k)
		if err != nil {
			return nil, configErr("encryption.master_key[%d] is not valid hex: %v", i, err)
		}
		if len(raw) < 32 {
			return nil, configErr("encryption.master_key[%d] must be >= 32 bytes, got %d", i, len(raw))
		}
	}

	switch cfg.Fallback {
	case "", handler.FallbackFailOpen, handler.FallbackFailClosed, handler.FallbackStaleOnError:
	default:
		return nil, configErr("unknown fallback %q", cfg.Fallback)
	}

	if cfg.Namespace == "" {
		report.warn("namespace is empty; every decorator on this Cache must set its own or share one global invalidation scope")
	}

	return report, nil
}

func configErr(format string, args ...any) error {
	return cacheerr.New(cacheerr.KindConfiguration, "cachekit.validate", "", fmt.Errorf(format, args...))
}
