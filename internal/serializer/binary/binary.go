// Package binary implements the general-purpose, schema-less serializer
// strategy: a compact tagged encoding of primitives, ordered sequences, and
// key-unique mappings, plus a handful of promoted scalars (currently
// date/time, stored as ISO-8601 text per spec.md §4.2). It intentionally
// does not use encoding/gob — gob requires the caller to register concrete
// types up front, which conflicts with values arriving here as plain `any`.
package binary

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/serializer"
)

const (
	tagNil byte = iota
	tagBool
	tagInt
	tagUint
	tagFloat
	tagString
	tagBytes
	tagTime
	tagSlice
	tagMap
)

// Strategy is the general binary serializer.
type Strategy struct{}

// New returns the general binary strategy.
func New() Strategy { return Strategy{} }

// FormatTag implements serializer.Strategy.
func (Strategy) FormatTag() string { return serializer.TagBinary }

// Serialize implements serializer.Strategy.
func (Strategy) Serialize(v any) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf, err := encode(buf, v)
	if err != nil {
		return nil, cacheerr.New(cacheerr.KindData, "binary.serialize", "", err)
	}
	return buf, nil
}

// Deserialize implements serializer.Strategy.
func (Strategy) Deserialize(data []byte) (any, error) {
	v, rest, err := decode(data)
	if err != nil {
		return nil, cacheerr.New(cacheerr.KindData, "binary.deserialize", "", err)
	}
	if len(rest) != 0 {
		return nil, cacheerr.New(cacheerr.KindData, "binary.deserialize", "", fmt.Errorf("%w: trailing bytes", cacheerr.ErrMalformedEnvelope))
	}
	return v, nil
}

func encode(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNil), nil
	case bool:
		b := buf
		b = append(b, tagBool)
		if x {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case int:
		return encodeInt(buf, int64(x)), nil
	case int64:
		return encodeInt(buf, x), nil
	case uint64:
		b := append(buf, tagUint)
		return appendUint64(b, x), nil
	case float64:
		b := append(buf, tagFloat)
		bits := make([]byte, 8)
		binary.BigEndian.PutUint64(bits, math.Float64bits(x))
		return append(b, bits...), nil
	case string:
		return encodeString(append(buf, tagString), x), nil
	case []byte:
		b := append(buf, tagBytes)
		b = appendUint32(b, uint32(len(x)))
		return append(b, x...), nil
	case time.Time:
		return encodeString(appendTag(buf, tagTime), x.UTC().Format(time.RFC3339Nano)), nil
	default:
		return encodeReflectFallback(buf, v)
	}
}

func appendTag(buf []byte, tag byte) []byte { return append(buf, tag) }

func encodeInt(buf []byte, x int64) []byte {
	b := append(buf, tagInt)
	bits := make([]byte, 8)
	binary.BigEndian.PutUint64(bits, uint64(x))
	return append(b, bits...)
}

func appendUint64(buf []byte, x uint64) []byte {
	bits := make([]byte, 8)
	binary.BigEndian.PutUint64(bits, x)
	return append(buf, bits...)
}

func appendUint32(buf []byte, x uint32) []byte {
	bits := make([]byte, 4)
	binary.BigEndian.PutUint32(bits, x)
	return append(buf, bits...)
}

func encodeString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// encodeReflectFallback handles []any and map[string]any, which round-trip
// as an ordered sequence or a key-unique mapping. Other slice and map types
// (e.g. []int, map[string]string) are rejected as unsupported.
func encodeReflectFallback(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case []any:
		buf = append(buf, tagSlice)
		buf = appendUint32(buf, uint32(len(x)))
		for _, item := range x {
			var err error
			buf, err = encode(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case map[string]any:
		buf = append(buf, tagMap)
		buf = appendUint32(buf, uint32(len(x)))
		for k, val := range x {
			buf = encodeString(buf, k)
			var err error
			buf, err = encode(buf, val)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("binary serializer: unsupported type %T", v)
	}
}

func decode(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("unexpected end of input")
	}
	tag, rest := data[0], data[1:]
	switch tag {
	case tagNil:
		return nil, rest, nil
	case tagBool:
		if len(rest) < 1 {
			return nil, nil, fmt.Errorf("truncated bool")
		}
		return rest[0] != 0, rest[1:], nil
	case tagInt:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("truncated int")
		}
		return int64(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagUint:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("truncated uint")
		}
		return binary.BigEndian.Uint64(rest[:8]), rest[8:], nil
	case tagFloat:
		if len(rest) < 8 {
			return nil, nil, fmt.Errorf("truncated float")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(rest[:8])), rest[8:], nil
	case tagString:
		return decodeString(rest)
	case tagBytes:
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("truncated bytes length")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return nil, nil, fmt.Errorf("truncated bytes payload")
		}
		out := make([]byte, n)
		copy(out, rest[:n])
		return out, rest[n:], nil
	case tagTime:
		s, tail, err := decodeString(rest)
		if err != nil {
			return nil, nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s.(string))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid time: %w", err)
		}
		return ts, tail, nil
	case tagSlice:
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("truncated slice length")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		out := make([]any, 0, n)
		for i := uint32(0); i < n; i++ {
			var item any
			var err error
			item, rest, err = decode(rest)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, item)
		}
		return out, rest, nil
	case tagMap:
		if len(rest) < 4 {
			return nil, nil, fmt.Errorf("truncated map length")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		out := make(map[string]any, n)
		for i := uint32(0); i < n; i++ {
			var key any
			var err error
			key, rest, err = decodeString(rest)
			if err != nil {
				return nil, nil, err
			}
			var val any
			val, rest, err = decode(rest)
			if err != nil {
				return nil, nil, err
			}
			out[key.(string)] = val
		}
		return out, rest, nil
	default:
		return nil, nil, fmt.Errorf("unknown tag %#x", tag)
	}
}

func decodeString(data []byte) (any, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated string length")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, fmt.Errorf("truncated string payload")
	}
	return string(data[:n]), data[n:], nil
}
