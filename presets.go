package cachekit

import "time"

// Preset constructors return a fully formed Config for a common deployment
// shape (spec.md §4.11 "Presets", §9 "Decorator layering": "model this as
// a configuration struct built by named constructors; each preset is a
// function returning a fully formed config; the orchestrator consumes
// only the struct"). Every preset's Config passes Validate as-is; callers
// typically still set Namespace and, for the backend-carrying presets,
// BackendPath/BackendURL before calling New.

// Minimal is L1-only: no L2, no lock, no reliability envelope, no
// encryption, no SWR. The cheapest possible Cache, useful for memoizing
// pure, cheap-to-recompute functions within a single process.
func Minimal() Config {
	return Config{
		TTL:      5 * time.Minute,
		Backend:  BackendNone,
		Fallback: FallbackFailOpen,
		L1: L1Config{
			Enabled:        true,
			MaxSizeMB:      64,
			NamespaceIndex: true,
		},
	}
}

// Dev targets a single-process development loop: an in-memory L2 so
// fill/lock/reliability code paths are exercised without standing up real
// infrastructure, SWR on with a short threshold so refresh behavior is
// easy to observe, and every reliability mechanism enabled but tuned
// aggressively (short recovery, low thresholds) so a developer sees
// breaker/timeout behavior quickly instead of waiting out production
// cooldowns.
func Dev() Config {
	return Config{
		TTL:      2 * time.Minute,
		Backend:  BackendMemory,
		Fallback: FallbackFailOpen,
		L1: L1Config{
			Enabled:             true,
			MaxSizeMB:           32,
			SWREnabled:          true,
			SWRThresholdRatio:   0.5,
			NamespaceIndex:      true,
			InvalidationEnabled: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			Window:           10 * time.Second,
			RecoveryTimeout:  5 * time.Second,
		},
		Timeout: TimeoutConfig{
			Enabled:    true,
			BaseMs:     20,
			MaxMs:      500,
			Multiplier: 2,
		},
		Backpressure: BackpressureConfig{
			Enabled:       true,
			MaxConcurrent: 16,
		},
		LockEnabled:        true,
		LockTTL:            10 * time.Second,
		LockAcquireTimeout: 2 * time.Second,
		RefreshPoolSize:    4,
	}
}

// Production is the coherent, fleet-ready combination: SWR, the full
// reliability envelope at the illustrative defaults from the data model, a distributed
// lock, and a namespace index for fast invalidation. It does not pick a
// Backend — a caller must set Backend/BackendPath or Backend/BackendURL
// (bbolt, fs, or http) to a real shared store before calling New, since
// "production" without one is indistinguishable from Dev.
func Production() Config {
	return Config{
		TTL:      10 * time.Minute,
		Fallback: FallbackFailOpen,
		L1: L1Config{
			Enabled:             true,
			MaxSizeMB:           256,
			SWREnabled:          true,
			SWRThresholdRatio:   0.8,
			NamespaceIndex:      true,
			InvalidationEnabled: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Window:           60 * time.Second,
			RecoveryTimeout:  30 * time.Second,
		},
		Timeout: TimeoutConfig{
			Enabled:    true,
			BaseMs:     50,
			MaxMs:      5000,
			Multiplier: 2,
		},
		Backpressure: BackpressureConfig{
			Enabled:       true,
			MaxConcurrent: 64,
		},
		LockEnabled:        true,
		LockTTL:            30 * time.Second,
		LockAcquireTimeout: 5 * time.Second,
		RefreshPoolSize:    16,
	}
}

// Secure returns Production's Config with an empty Encryption.MasterKeysHex.
// AEAD envelope encryption takes effect only once the caller appends at
// least one 32-byte master key (hex-encoded); Secure itself does not
// generate one. Validate and New do not reject a Secure Config whose key
// list is still empty: such a Cache stores entries unencrypted.
func Secure() Config {
	cfg := Production()
	cfg.Encryption = EncryptionConfig{} // caller must populate MasterKeysHex
	return cfg
}

// Test favors determinism over realism: short TTLs, an in-memory backend,
// SWR with jitter-adjacent behavior left to the caller to disable at the
// l1store layer if a test needs exact fresh_until arithmetic, and the
// reliability envelope disabled outright so a unit test's L2 calls never
// race a breaker or adaptive timeout tuned for production latencies.
func Test() Config {
	return Config{
		TTL:      time.Second,
		Backend:  BackendMemory,
		Fallback: FallbackFailOpen,
		L1: L1Config{
			Enabled:           true,
			MaxSizeMB:         16,
			SWREnabled:        true,
			SWRThresholdRatio: 0.5,
			NamespaceIndex:    true,
		},
		CircuitBreaker: CircuitBreakerConfig{Enabled: false},
		Timeout:        TimeoutConfig{Enabled: false},
		Backpressure:   BackpressureConfig{Enabled: false},
		LockEnabled:    false,
	}
}
