// Package reliability wraps every L2 call with the admission, circuit, and
// timeout composition spec.md §4.8 calls the "reliability envelope":
// backpressure admission, a per-(namespace, op-class) circuit breaker, and
// an adaptive timeout derived from a rolling latency window.
//
// The breaker is grounded on the Chartly connector-hub pool's
// circuit_breaker.go (per-key Manager, sliding failure window, Allow/
// Report/Do), adapted in two ways the cache spec requires that the
// original didn't: only errors classified internal/cacheerr.KindTransient
// advance the failure count (permanent and application errors never trip
// it), and HALF_OPEN closes on exactly one success rather than a
// configurable threshold, per spec.md §3's circuit state machine.
package reliability

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/logger"
	"github.com/cachekit-io/cachekit/internal/metrics"
)

// State is a circuit's current position in the CLOSED/OPEN/HALF_OPEN
// state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config tunes one Envelope. Each of Backpressure, Breaker, and Timeout
// may independently be disabled per spec.md §4.8's closing sentence.
type Config struct {
	BackpressureEnabled bool
	MaxConcurrent       int

	BreakerEnabled    bool
	FailureThreshold  int           // consecutive transient failures (within Window) before tripping
	Window            time.Duration // sliding window failures are counted over
	RecoveryTimeout   time.Duration // cooldown before OPEN -> HALF_OPEN

	TimeoutEnabled bool
	BaseTimeout    time.Duration // floor (min_timeout)
	MaxTimeout     time.Duration // ceiling (max_timeout)
	Multiplier     float64       // applied to observed p99 latency
	SampleWindow   int           // rolling window size (spec: ~1000)
	ReevaluateEvery int          // re-evaluate effective timeout every N samples (spec: ~100)
}

// DefaultConfig matches the illustrative defaults from the data model.
func DefaultConfig() Config {
	return Config{
		BackpressureEnabled: true,
		MaxConcurrent:       64,
		BreakerEnabled:      true,
		FailureThreshold:    5,
		Window:              60 * time.Second,
		RecoveryTimeout:     30 * time.Second,
		TimeoutEnabled:      true,
		BaseTimeout:         50 * time.Millisecond,
		MaxTimeout:          5 * time.Second,
		Multiplier:          2.0,
		SampleWindow:        1000,
		ReevaluateEvery:     100,
	}
}

type circuit struct {
	state             State
	failures          []time.Time
	openedAt          time.Time
	halfOpenProbeSent bool
}

type timeoutWindow struct {
	samples []time.Duration // ring buffer
	next    int
	filled  int
	since   int // samples observed since last re-evaluation
	current time.Duration
}

// Envelope wraps L2 calls for every (namespace, op-class) pair it sees,
// lazily creating per-key breaker and timeout state on first use.
type Envelope struct {
	cfg Config
	log *logger.Logger
	m   *metrics.Metrics

	mu       sync.Mutex
	circuits map[string]*circuit
	timeouts map[string]*timeoutWindow
	inFlight map[string]int
}

// New builds an Envelope from cfg.
func New(cfg Config, opts ...Option) *Envelope {
	e := &Envelope{
		cfg:      cfg,
		log:      logger.New("RELIABILITY", "warn"),
		circuits: make(map[string]*circuit),
		timeouts: make(map[string]*timeoutWindow),
		inFlight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.BaseTimeout <= 0 {
		e.cfg.BaseTimeout = DefaultConfig().BaseTimeout
	}
	if e.cfg.MaxTimeout <= 0 {
		e.cfg.MaxTimeout = DefaultConfig().MaxTimeout
	}
	if e.cfg.Multiplier <= 0 {
		e.cfg.Multiplier = DefaultConfig().Multiplier
	}
	if e.cfg.SampleWindow <= 0 {
		e.cfg.SampleWindow = DefaultConfig().SampleWindow
	}
	if e.cfg.ReevaluateEvery <= 0 {
		e.cfg.ReevaluateEvery = DefaultConfig().ReevaluateEvery
	}
	return e
}

// Option configures an Envelope at construction time.
type Option func(*Envelope)

// WithLogger attaches a logger.
func WithLogger(l *logger.Logger) Option { return func(e *Envelope) { e.log = l } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Envelope) { e.m = m } }

// opKey scopes breaker/timeout state to a (namespace, op-class) pair, e.g.
// ("users", "l2.get").
func opKey(namespace, opClass string) string { return namespace + "\x00" + opClass }

// Do runs fn under the full admission -> circuit -> timeout composition
// and classifies the outcome (spec.md §4.8 steps 1-5). fn must itself
// respect ctx's deadline; Do only sets the deadline, it does not forcibly
// abort a goroutine that ignores it.
func (e *Envelope) Do(ctx context.Context, namespace, opClass string, fn func(ctx context.Context) error) error {
	key := opKey(namespace, opClass)

	if e.cfg.BackpressureEnabled {
		if !e.admit(key) {
			if e.m != nil {
				e.m.BackpressureRejections.Add(1)
			}
			return cacheerr.New(cacheerr.KindRejection, opClass, namespace, cacheerr.ErrBackpressureRejected)
		}
		defer e.release(key)
	}

	if e.cfg.BreakerEnabled {
		allowed, probing := e.allow(key)
		if !allowed {
			if e.m != nil {
				e.m.CircuitOpenRejections.Add(1)
			}
			return cacheerr.New(cacheerr.KindRejection, opClass, namespace, cacheerr.ErrCircuitOpen)
		}
		_ = probing
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.TimeoutEnabled {
		callCtx, cancel = context.WithTimeout(ctx, e.effectiveTimeout(key))
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	latency := time.Since(start)

	if e.cfg.TimeoutEnabled {
		e.recordLatency(key, latency)
	}
	if e.m != nil {
		e.m.ObserveLatency("l2."+opClass, map[string]string{"namespace": namespace}, latency)
	}

	if e.cfg.BreakerEnabled {
		e.report(key, err)
	}
	return err
}

func (e *Envelope) admit(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[key] >= e.cfg.MaxConcurrent {
		return false
	}
	e.inFlight[key]++
	return true
}

func (e *Envelope) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight[key]--
}

func (e *Envelope) getOrCreateCircuit(key string) *circuit {
	c, ok := e.circuits[key]
	if !ok {
		c = &circuit{state: Closed}
		e.circuits[key] = c
	}
	return c
}

// allow reports whether a call may proceed, and whether it is the single
// HALF_OPEN probe.
func (e *Envelope) allow(key string) (ok bool, probe bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.getOrCreateCircuit(key)
	now := time.Now()

	switch c.state {
	case Open:
		if now.Sub(c.openedAt) >= e.cfg.RecoveryTimeout {
			c.state = HalfOpen
			c.halfOpenProbeSent = true
			return true, true
		}
		return false, false
	case HalfOpen:
		if c.halfOpenProbeSent {
			// A probe is already in flight; reject concurrent callers so
			// only one probe at a time tests the backend.
			return false, false
		}
		c.halfOpenProbeSent = true
		return true, true
	default:
		return true, false
	}
}

// report classifies err and updates the breaker. Only KindTransient errors
// advance the failure count or trip the circuit; nil is always a success.
func (e *Envelope) report(key string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.getOrCreateCircuit(key)
	now := time.Now()

	transient := err != nil && cacheerr.KindOf(err) == cacheerr.KindTransient

	switch c.state {
	case HalfOpen:
		c.halfOpenProbeSent = false
		if err == nil {
			c.state = Closed
			c.failures = nil
			c.openedAt = time.Time{}
			e.setGauge(key, Closed)
			return
		}
		c.state = Open
		c.openedAt = now
		e.setGauge(key, Open)
	case Open:
		// Calls shouldn't reach here (allow() rejects), but stay defensive.
		if transient {
			c.failures = append(c.failures, now)
		}
	default: // Closed
		if !transient {
			if err == nil {
				// A success ends the run of consecutive transient failures.
				c.failures = nil
			}
			e.pruneLocked(c, now)
			return
		}
		c.failures = append(c.failures, now)
		e.pruneLocked(c, now)
		if len(c.failures) >= e.cfg.FailureThreshold {
			c.state = Open
			c.openedAt = now
			e.setGauge(key, Open)
		}
	}
}

func (e *Envelope) pruneLocked(c *circuit, now time.Time) {
	if e.cfg.Window <= 0 {
		return
	}
	cut := now.Add(-e.cfg.Window)
	i := 0
	for i < len(c.failures) && c.failures[i].Before(cut) {
		i++
	}
	if i > 0 {
		c.failures = c.failures[i:]
	}
}

func (e *Envelope) setGauge(key string, s State) {
	if e.m == nil {
		return
	}
	e.m.SetGauge("circuit_state", map[string]string{"op": key}, float64(s))
}

// State reports the current breaker state for (namespace, opClass),
// mostly for tests and operability.
func (e *Envelope) State(namespace, opClass string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.getOrCreateCircuit(opKey(namespace, opClass))
	return c.state
}

// --- adaptive timeout -----------------------------------------------------

func (e *Envelope) getOrCreateTimeout(key string) *timeoutWindow {
	w, ok := e.timeouts[key]
	if !ok {
		w = &timeoutWindow{
			samples: make([]time.Duration, 0, e.cfg.SampleWindow),
			current: e.cfg.BaseTimeout,
		}
		e.timeouts[key] = w
	}
	return w
}

func (e *Envelope) effectiveTimeout(key string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.getOrCreateTimeout(key)
	if w.current <= 0 {
		return e.cfg.BaseTimeout
	}
	return w.current
}

func (e *Envelope) recordLatency(key string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.getOrCreateTimeout(key)

	if len(w.samples) < e.cfg.SampleWindow {
		w.samples = append(w.samples, d)
	} else {
		w.samples[w.next] = d
		w.next = (w.next + 1) % e.cfg.SampleWindow
	}
	if w.filled < e.cfg.SampleWindow {
		w.filled++
	}
	w.since++

	if w.since >= e.cfg.ReevaluateEvery {
		w.since = 0
		w.current = e.computeTimeoutLocked(w)
	}
}

func (e *Envelope) computeTimeoutLocked(w *timeoutWindow) time.Duration {
	if len(w.samples) == 0 {
		return e.cfg.BaseTimeout
	}
	sorted := make([]time.Duration, len(w.samples))
	copy(sorted, w.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p99 := percentile(sorted, 0.99)
	candidate := time.Duration(float64(p99) * e.cfg.Multiplier)
	return clamp(candidate, e.cfg.BaseTimeout, e.cfg.MaxTimeout)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
