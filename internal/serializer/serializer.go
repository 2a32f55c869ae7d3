// Package serializer defines the strategy contract every cached value is
// encoded through before it reaches internal/envelope, and a small registry
// used to detect a SerializerMismatch when a stored format tag no longer
// matches the serializer configured for a namespace.
package serializer

import (
	"fmt"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
)

// Format tags stamped into the envelope header (internal/envelope's
// formatTag string) and consulted on read. These are UTF-8 strings, not
// small integers, so a caller can register a custom serializer without
// colliding with the built-in four.
const (
	TagBinary   = "binary"
	TagJSONFast = "jsonfast"
	TagColumnar = "columnar"
	TagNumeric  = "numeric"
)

// Strategy serializes and deserializes cache values. Implementations never
// need to recover the caller's concrete Go type — values round-trip as
// `any`, matching the "no domain-type auto-detection" stance in spec.md §9.
type Strategy interface {
	// FormatTag identifies this strategy; it is what gets stamped into the
	// stored envelope and compared against on read.
	FormatTag() string
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte) (any, error)
}

// Registry resolves a format tag to the Strategy that produced it.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds a registry from the given strategies, keyed by their
// own FormatTag.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.FormatTag()] = s
	}
	return r
}

// Lookup returns the strategy for tag, or a SerializerMismatch error if
// none is registered (spec.md §4.2: a handler treats this as a cache miss
// on the current read path, but the error itself is precise).
func (r *Registry) Lookup(tag string) (Strategy, error) {
	s, ok := r.strategies[tag]
	if !ok {
		return nil, cacheerr.New(cacheerr.KindData, "serializer.lookup", "", fmt.Errorf("%w: tag %q", cacheerr.ErrSerializerMismatch, tag))
	}
	return s, nil
}
