// Package invalidation implements the cross-process invalidation side
// channel described in spec.md §4.6: a small pub/sub fan-out that tells
// every other process's L1 store to drop a key, a namespace, or
// everything, in response to a local write. Delivery is at-most-once and
// best-effort — consumers that miss an event serve stale data until local
// TTL expiry, which is the documented degradation, not a bug.
//
// The Transport a Bus is built on is deliberately narrow (Publish/Subscribe
// on a byte-encoded Event) so a caller can back it with anything that
// offers fan-out broadcast — a Redis/NATS pub/sub channel in production, or
// the in-process LocalTransport below for tests and single-process
// deployments where invalidation never needs to leave the process.
package invalidation

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/cachekit-io/cachekit/internal/l1store"
	"github.com/cachekit-io/cachekit/internal/logger"
	"github.com/cachekit-io/cachekit/internal/metrics"
)

// Kind classifies an invalidation Event.
type Kind string

const (
	KindKey       Kind = "key"
	KindNamespace Kind = "namespace"
	KindAll       Kind = "all"
)

// Event is the wire-level invalidation message. The minimal encoding
// spec.md §6 allows — {kind, target, source_id} — is exactly this struct
// marshaled as JSON by the default Bus implementations.
type Event struct {
	Kind     Kind   `json:"kind"`
	Target   string `json:"target,omitempty"` // key or namespace; empty for KindAll
	SourceID string `json:"sourceId"`
}

func (e Event) encode() ([]byte, error) { return json.Marshal(e) }

func decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Transport is the pluggable fan-out primitive a Bus is built on:
// publish a byte payload to every other subscriber, and receive payloads
// published by others. A production deployment supplies one backed by a
// real pub/sub system; LocalTransport below is the in-process stand-in.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(handler func(payload []byte))
	Close() error
}

// LocalTransport fans out published payloads to every Subscribe handler
// registered on it, the publisher's own included (Bus drops its own events
// by source_id), calling each handler on its own goroutine, matching
// spec.md §4.6's "absent -> invalidation is local-only" fallback while still exercising the full Bus machinery in
// tests.
type LocalTransport struct {
	mu       sync.Mutex
	handlers []func([]byte)
	closed   bool
}

// NewLocalTransport returns a ready-to-use in-process Transport.
func NewLocalTransport() *LocalTransport { return &LocalTransport{} }

func (t *LocalTransport) Publish(_ context.Context, payload []byte) error {
	t.mu.Lock()
	handlers := append([]func([]byte){}, t.handlers...)
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	for _, h := range handlers {
		go h(payload)
	}
	return nil
}

func (t *LocalTransport) Subscribe(handler func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, handler)
}

func (t *LocalTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Bus binds a Transport to an l1store.Store: events this process
// publishes update the store immediately (a process never waits on its
// own bus round-trip to see its own write take effect — L1.Invalidate
// already handled that synchronously); events arriving from a different
// source_id are applied to the local store on receipt.
type Bus struct {
	transport Transport
	store     *l1store.Store
	sourceID  string
	log       *logger.Logger
	m         *metrics.Metrics
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger attaches a logger.
func WithLogger(l *logger.Logger) Option { return func(b *Bus) { b.log = l } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Bus) { b.m = m } }

// New binds transport to store and starts listening for events from other
// processes. Each Bus gets a random source id (a UUID), stable for the
// Bus's lifetime and unique across the fleet, so a process never
// re-applies its own published events.
func New(transport Transport, store *l1store.Store, opts ...Option) *Bus {
	b := &Bus{
		transport: transport,
		store:     store,
		sourceID:  uuid.NewString(),
		log:       logger.New("BUS", "warn"),
	}
	for _, opt := range opts {
		opt(b)
	}
	transport.Subscribe(b.onReceive)
	return b
}

func (b *Bus) onReceive(payload []byte) {
	ev, err := decode(payload)
	if err != nil {
		b.log.Warnf("decode", "malformed invalidation event: %v", err)
		return
	}
	if ev.SourceID == b.sourceID {
		return // our own publish looped back; already applied locally
	}
	switch ev.Kind {
	case KindKey:
		b.store.Invalidate(ev.Target)
	case KindNamespace:
		b.store.InvalidateNamespace(ev.Target)
	case KindAll:
		b.store.InvalidateAll()
	}
	if b.m != nil {
		b.m.InvalidationsReceived.Add(1)
	}
}

// PublishKey invalidates key locally and broadcasts the event to other
// processes.
func (b *Bus) PublishKey(ctx context.Context, key string) error {
	b.store.Invalidate(key)
	return b.publish(ctx, Event{Kind: KindKey, Target: key, SourceID: b.sourceID})
}

// PublishNamespace invalidates namespace locally and broadcasts.
func (b *Bus) PublishNamespace(ctx context.Context, namespace string) error {
	b.store.InvalidateNamespace(namespace)
	return b.publish(ctx, Event{Kind: KindNamespace, Target: namespace, SourceID: b.sourceID})
}

// PublishAll clears the local store and broadcasts a full-flush event.
func (b *Bus) PublishAll(ctx context.Context) error {
	b.store.InvalidateAll()
	return b.publish(ctx, Event{Kind: KindAll, SourceID: b.sourceID})
}

func (b *Bus) publish(ctx context.Context, ev Event) error {
	payload, err := ev.encode()
	if err != nil {
		return err
	}
	if err := b.transport.Publish(ctx, payload); err != nil {
		return err
	}
	if b.m != nil {
		b.m.InvalidationsSent.Add(1)
	}
	return nil
}

// Close stops listening and releases the underlying transport.
func (b *Bus) Close() error { return b.transport.Close() }
