// Package numeric implements the raw dense-numeric-array fast path: a typed
// header followed by raw little-endian bytes, with no compression attempt
// (dense numeric data is already close to incompressible, so the envelope
// layer's automatic skip-if-larger behavior is enough; this package does
// not need its own flag for it).
package numeric

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/serializer"
)

const (
	kindFloat64 byte = iota + 1
	kindInt64
)

// Strategy is the raw-numeric serializer.
type Strategy struct{}

// New returns the numeric strategy.
func New() Strategy { return Strategy{} }

// FormatTag implements serializer.Strategy.
func (Strategy) FormatTag() string { return serializer.TagNumeric }

// Serialize implements serializer.Strategy. It accepts []float64 and
// []int64 only; anything else should use a different strategy.
func (Strategy) Serialize(v any) ([]byte, error) {
	switch x := v.(type) {
	case []float64:
		out := make([]byte, 1+4+len(x)*8)
		out[0] = kindFloat64
		binary.LittleEndian.PutUint32(out[1:5], uint32(len(x)))
		for i, f := range x {
			binary.LittleEndian.PutUint64(out[5+i*8:13+i*8], math.Float64bits(f))
		}
		return out, nil
	case []int64:
		out := make([]byte, 1+4+len(x)*8)
		out[0] = kindInt64
		binary.LittleEndian.PutUint32(out[1:5], uint32(len(x)))
		for i, n := range x {
			binary.LittleEndian.PutUint64(out[5+i*8:13+i*8], uint64(n))
		}
		return out, nil
	default:
		return nil, cacheerr.New(cacheerr.KindData, "numeric.serialize", "", fmt.Errorf("numeric: unsupported type %T, want []float64 or []int64", v))
	}
}

// Deserialize implements serializer.Strategy.
func (Strategy) Deserialize(data []byte) (any, error) {
	if len(data) < 5 {
		return nil, cacheerr.New(cacheerr.KindData, "numeric.deserialize", "", cacheerr.ErrMalformedEnvelope)
	}
	kind := data[0]
	n := binary.LittleEndian.Uint32(data[1:5])
	body := data[5:]
	if uint64(len(body)) != uint64(n)*8 {
		return nil, cacheerr.New(cacheerr.KindData, "numeric.deserialize", "", cacheerr.ErrMalformedEnvelope)
	}
	switch kind {
	case kindFloat64:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
		}
		return out, nil
	case kindInt64:
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
		}
		return out, nil
	default:
		return nil, cacheerr.New(cacheerr.KindData, "numeric.deserialize", "", fmt.Errorf("%w: unknown kind %d", cacheerr.ErrMalformedEnvelope, kind))
	}
}
