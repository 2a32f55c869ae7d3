package serializer

import (
	"errors"
	"testing"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
)

type stubStrategy struct{ tag string }

func (s stubStrategy) FormatTag() string                 { return s.tag }
func (s stubStrategy) Serialize(v any) ([]byte, error)   { return nil, nil }
func (s stubStrategy) Deserialize(b []byte) (any, error) { return nil, nil }

func TestRegistryLookupKnownTag(t *testing.T) {
	r := NewRegistry(stubStrategy{tag: TagBinary})
	s, err := r.Lookup(TagBinary)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s.FormatTag() != TagBinary {
		t.Fatalf("unexpected strategy returned")
	}
}

func TestRegistryLookupUnknownTag(t *testing.T) {
	r := NewRegistry(stubStrategy{tag: TagBinary})
	_, err := r.Lookup("unknown")
	if !errors.Is(err, cacheerr.ErrSerializerMismatch) {
		t.Fatalf("expected ErrSerializerMismatch, got %v", err)
	}
}
