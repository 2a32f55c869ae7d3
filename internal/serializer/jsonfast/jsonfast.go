// Package jsonfast implements the JSON-compatible serializer strategy. It
// is a thin wrapper over the standard library's encoding/json — no
// third-party JSON codec (e.g. goccy/go-json) is pulled in because none of
// the retrieved reference repositories import one, and an extra dependency
// here would not be grounded in anything actually observed in the pack.
package jsonfast

import (
	"encoding/json"
	"fmt"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
	"github.com/cachekit-io/cachekit/internal/serializer"
)

// Strategy is the JSON-compatible serializer.
type Strategy struct{}

// New returns the JSON-fast strategy.
func New() Strategy { return Strategy{} }

// FormatTag implements serializer.Strategy.
func (Strategy) FormatTag() string { return serializer.TagJSONFast }

// Serialize implements serializer.Strategy. It rejects raw []byte blobs —
// JSON would only be able to represent them via base64 inflation, which
// defeats the point of a "fast" JSON path. The binary strategy accepts
// []byte; numeric takes only dense numeric slices.
func (Strategy) Serialize(v any) ([]byte, error) {
	if _, ok := v.([]byte); ok {
		return nil, cacheerr.New(cacheerr.KindData, "jsonfast.serialize", "", fmt.Errorf("jsonfast: raw binary payloads are not supported"))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, cacheerr.New(cacheerr.KindData, "jsonfast.serialize", "", err)
	}
	return data, nil
}

// Deserialize implements serializer.Strategy. The returned value follows
// encoding/json's standard decode-into-`any` shapes: JSON objects become
// map[string]any, arrays become []any, numbers become float64.
func (Strategy) Deserialize(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, cacheerr.New(cacheerr.KindData, "jsonfast.deserialize", "", fmt.Errorf("%w: %v", cacheerr.ErrMalformedEnvelope, err))
	}
	return v, nil
}
