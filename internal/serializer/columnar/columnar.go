// Package columnar implements a zero-copy-friendly columnar encoding for
// table-shaped values: a slice of row maps is pivoted into one column per
// field, each framed with a fixed-width type header so a reader can skip
// straight to a column without decoding the rows around it. It rejects
// scalar inputs, per spec.md §4.2.
package columnar

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/serializer"
)

const (
	colInt64 byte = iota + 1
	colFloat64
	colString
	colBool
	colMixed // cell-wise JSON fallback for columns that are not uniformly typed
)

// Strategy is the columnar table serializer.
type Strategy struct{}

// New returns the columnar strategy.
func New() Strategy { return Strategy{} }

// FormatTag implements serializer.Strategy.
func (Strategy) FormatTag() string { return serializer.TagColumnar }

// Serialize implements serializer.Strategy. v must be []map[string]any;
// a scalar or non-table input is rejected.
func (Strategy) Serialize(v any) ([]byte, error) {
	rows, ok := v.([]map[string]any)
	if !ok {
		return nil, cacheerr.New(cacheerr.KindData, "columnar.serialize", "", fmt.Errorf("columnar: expected []map[string]any, got %T", v))
	}

	columns := collectColumns(rows)

	out := make([]byte, 0, 256)
	out = appendUint32(out, uint32(len(rows)))
	out = appendUint32(out, uint32(len(columns)))

	for _, name := range columns {
		values := make([]any, len(rows))
		for i, row := range rows {
			values[i] = row[name]
		}
		kind := columnKind(values)

		out = appendString(out, name)
		out = append(out, kind)

		encoded, err := encodeColumn(kind, values)
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindData, "columnar.serialize", "", err)
		}
		out = appendUint32(out, uint32(len(encoded)))
		out = append(out, encoded...)
	}
	return out, nil
}

// Deserialize implements serializer.Strategy, returning []map[string]any.
func (Strategy) Deserialize(data []byte) (any, error) {
	if len(data) < 8 {
		return nil, cacheerr.New(cacheerr.KindData, "columnar.deserialize", "", cacheerr.ErrMalformedEnvelope)
	}
	numRows := binary.BigEndian.Uint32(data[0:4])
	numCols := binary.BigEndian.Uint32(data[4:8])
	rest := data[8:]

	rows := make([]map[string]any, numRows)
	for i := range rows {
		rows[i] = make(map[string]any, numCols)
	}

	for c := uint32(0); c < numCols; c++ {
		name, tail, err := readString(rest)
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindData, "columnar.deserialize", "", err)
		}
		rest = tail
		if len(rest) < 1+4 {
			return nil, cacheerr.New(cacheerr.KindData, "columnar.deserialize", "", cacheerr.ErrMalformedEnvelope)
		}
		kind := rest[0]
		length := binary.BigEndian.Uint32(rest[1:5])
		rest = rest[5:]
		if uint32(len(rest)) < length {
			return nil, cacheerr.New(cacheerr.KindData, "columnar.deserialize", "", cacheerr.ErrMalformedEnvelope)
		}
		colBytes := rest[:length]
		rest = rest[length:]

		values, err := decodeColumn(kind, colBytes, int(numRows))
		if err != nil {
			return nil, cacheerr.New(cacheerr.KindData, "columnar.deserialize", "", err)
		}
		for i, v := range values {
			rows[i][name] = v
		}
	}
	return rows, nil
}

func collectColumns(rows []map[string]any) []string {
	set := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			set[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for k := range set {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func columnKind(values []any) byte {
	if len(values) == 0 {
		return colMixed
	}
	kind := byte(0)
	for _, v := range values {
		var thisKind byte
		switch v.(type) {
		case int64, int:
			thisKind = colInt64
		case float64:
			thisKind = colFloat64
		case string:
			thisKind = colString
		case bool:
			thisKind = colBool
		default:
			return colMixed
		}
		if kind == 0 {
			kind = thisKind
		} else if kind != thisKind {
			return colMixed
		}
	}
	return kind
}

func encodeColumn(kind byte, values []any) ([]byte, error) {
	switch kind {
	case colInt64:
		out := make([]byte, 0, len(values)*8)
		for _, v := range values {
			var n int64
			switch x := v.(type) {
			case int64:
				n = x
			case int:
				n = int64(x)
			}
			bits := make([]byte, 8)
			binary.LittleEndian.PutUint64(bits, uint64(n))
			out = append(out, bits...)
		}
		return out, nil
	case colFloat64:
		out := make([]byte, 0, len(values)*8)
		for _, v := range values {
			bits := make([]byte, 8)
			binary.LittleEndian.PutUint64(bits, math.Float64bits(v.(float64)))
			out = append(out, bits...)
		}
		return out, nil
	case colBool:
		out := make([]byte, len(values))
		for i, v := range values {
			if v.(bool) {
				out[i] = 1
			}
		}
		return out, nil
	case colString:
		out := make([]byte, 0, 16*len(values))
		for _, v := range values {
			out = appendString(out, v.(string))
		}
		return out, nil
	default: // colMixed
		out := make([]byte, 0, 16*len(values))
		for _, v := range values {
			cell, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out = appendUint32(out, uint32(len(cell)))
			out = append(out, cell...)
		}
		return out, nil
	}
}

func decodeColumn(kind byte, data []byte, numRows int) ([]any, error) {
	out := make([]any, numRows)
	switch kind {
	case colInt64:
		if len(data) != numRows*8 {
			return nil, cacheerr.ErrMalformedEnvelope
		}
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(data[i*8 : i*8+8]))
		}
	case colFloat64:
		if len(data) != numRows*8 {
			return nil, cacheerr.ErrMalformedEnvelope
		}
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8 : i*8+8]))
		}
	case colBool:
		if len(data) != numRows {
			return nil, cacheerr.ErrMalformedEnvelope
		}
		for i := range out {
			out[i] = data[i] != 0
		}
	case colString:
		rest := data
		for i := range out {
			s, tail, err := readString(rest)
			if err != nil {
				return nil, err
			}
			out[i] = s
			rest = tail
		}
	case colMixed:
		rest := data
		for i := range out {
			if len(rest) < 4 {
				return nil, cacheerr.ErrMalformedEnvelope
			}
			n := binary.BigEndian.Uint32(rest[:4])
			rest = rest[4:]
			if uint32(len(rest)) < n {
				return nil, cacheerr.ErrMalformedEnvelope
			}
			var v any
			if err := json.Unmarshal(rest[:n], &v); err != nil {
				return nil, err
			}
			out[i] = v
			rest = rest[n:]
		}
	default:
		return nil, fmt.Errorf("columnar: unknown column kind %d", kind)
	}
	return out, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	bits := make([]byte, 4)
	binary.BigEndian.PutUint32(bits, v)
	return append(buf, bits...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, cacheerr.ErrMalformedEnvelope
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, cacheerr.ErrMalformedEnvelope
	}
	return string(data[:n]), data[n:], nil
}
