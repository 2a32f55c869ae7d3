// Package keygen derives the stable key fingerprint described in the data
// model: a 128-bit digest over a function identity, its arguments, and an
// optional namespace. The generator is pure — the same inputs always
// produce the same fingerprint, in this process or any other, on this
// version of the code or a later one, because canonicalization never
// depends on map iteration order, pointer identity, or reflect.Type
// formatting that could drift across Go versions.
//
// The digest is computed with MD5 (crypto/md5): a fast, fixed-width,
// non-adversarial fingerprint, not a security primitive. MD5's
// 128-bit/32-hex-character output is also precisely what the data model
// specifies, so no truncation or expansion is needed.
//
// Namespace labels are case-folded with golang.org/x/text/cases before
// hashing, so two call sites that agree on everything but the case of
// their namespace string get the same fingerprint. The fold applies to the
// digest only: CompositeKey's "ns:" prefix and the namespace used for L1
// indexing and invalidation keep the label exactly as given.
package keygen

import (
	"crypto/md5" //nolint:gosec // deterministic fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// namespaceFolder case-folds a namespace label before it is hashed, so
// "Users", "users", and "USERS" produce the same fingerprint digest.
var namespaceFolder = cases.Fold()

// Input describes one call site to be fingerprinted.
type Input struct {
	// Identity is a stable, caller-supplied string naming the wrapped
	// computation (e.g. "pkg.Service.GetUser"). The generator never
	// derives this via reflection on a function value — stable identity
	// is the caller's responsibility (see spec.md §9 "Decorator layering").
	Identity string
	// Args are positional arguments, in call order.
	Args []any
	// KWArgs are named arguments. Keys are sorted before hashing so
	// call-site argument order never affects the fingerprint.
	KWArgs map[string]any
	// Namespace is an optional label folded into the fingerprint and used
	// for invalidation scoping.
	Namespace string
}

// Fingerprint returns the 32-hex-character fingerprint for in.
func Fingerprint(in Input) string {
	var b strings.Builder
	b.WriteString(in.Identity)
	b.WriteByte(0)
	b.WriteString(namespaceFolder.String(in.Namespace))
	b.WriteByte(0)
	b.WriteByte('[')
	for i, a := range in.Args {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeValue(&b, a)
	}
	b.WriteString("]{")
	if len(in.KWArgs) > 0 {
		keys := make([]string, 0, len(in.KWArgs))
		for k := range in.KWArgs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			encodeValue(&b, in.KWArgs[k])
		}
	}
	b.WriteByte('}')

	sum := md5.Sum([]byte(b.String())) //nolint:gosec // see package doc
	return hex.EncodeToString(sum[:])
}

// CompositeKey formats the human-readable, advisory cache key described in
// spec.md §3. Equality of the returned string is byte-equality, never a
// parsed comparison of its parts.
func CompositeKey(in Input) string {
	return fmt.Sprintf("ns:%s:func:%s:args:%s", in.Namespace, in.Identity, Fingerprint(in))
}

// encodeValue writes a canonical, type-tagged encoding of v to b.
// Primitive kinds are fast-pathed directly; anything else falls back to
// structural reflection (sorted map keys, exported struct fields sorted by
// name, ordered sequences).
func encodeValue(b *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		b.WriteString("n")
		return
	case bool:
		if x {
			b.WriteString("b:1")
		} else {
			b.WriteString("b:0")
		}
		return
	case string:
		b.WriteString("s:")
		b.WriteString(strconv.Quote(x))
		return
	case int:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(int64(x), 10))
		return
	case int64:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(x, 10))
		return
	case int32:
		b.WriteString("i:")
		b.WriteString(strconv.FormatInt(int64(x), 10))
		return
	case uint64:
		b.WriteString("u:")
		b.WriteString(strconv.FormatUint(x, 10))
		return
	case float64:
		b.WriteString("f:")
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		return
	case float32:
		b.WriteString("f:")
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
		return
	case []byte:
		b.WriteString("x:")
		b.WriteString(hex.EncodeToString(x))
		return
	case time.Time:
		// Promoted scalar: date/time encoded as a stable ISO string (spec.md §4.2).
		b.WriteString("t:")
		b.WriteString(x.UTC().Format(time.RFC3339Nano))
		return
	case fmt.Stringer:
		b.WriteString("S:")
		b.WriteString(strconv.Quote(x.String()))
		return
	}
	encodeReflect(b, reflect.ValueOf(v))
}

// encodeReflect is the structural fallback for everything not handled by a
// fast path above: slices/arrays become ordered sequences, maps and structs
// become sorted-by-key mappings, pointers are dereferenced.
func encodeReflect(b *strings.Builder, rv reflect.Value) {
	if !rv.IsValid() {
		b.WriteString("n")
		return
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			b.WriteString("n")
			return
		}
		encodeReflect(b, rv.Elem())
	case reflect.Slice, reflect.Array:
		// Mixed-arity sequences collapse to a single ordered-sequence form,
		// documented in spec.md §4.2 — there is no separate tuple type here.
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeValue(b, rv.Index(i).Interface())
		}
		b.WriteByte(']')
	case reflect.Map:
		keys := rv.MapKeys()
		strKeys := make([]string, len(keys))
		for i, k := range keys {
			strKeys[i] = fmt.Sprint(k.Interface())
		}
		order := make([]int, len(keys))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(i, j int) bool { return strKeys[order[i]] < strKeys[order[j]] })
		b.WriteByte('{')
		for i, idx := range order {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(strKeys[idx]))
			b.WriteByte(':')
			encodeValue(b, rv.MapIndex(keys[idx]).Interface())
		}
		b.WriteByte('}')
	case reflect.Struct:
		t := rv.Type()
		type field struct {
			name string
			val  any
		}
		fields := make([]field, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			sf := t.Field(i)
			if sf.PkgPath != "" {
				continue // unexported
			}
			fields = append(fields, field{name: sf.Name, val: rv.Field(i).Interface()})
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
		b.WriteByte('{')
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(f.name))
			b.WriteByte(':')
			encodeValue(b, f.val)
		}
		b.WriteByte('}')
	case reflect.Bool:
		encodeValue(b, rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		encodeValue(b, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		encodeValue(b, rv.Uint())
	case reflect.Float32, reflect.Float64:
		encodeValue(b, rv.Float())
	case reflect.String:
		encodeValue(b, rv.String())
	default:
		// Last resort: a deterministic textual form. Anything reaching here
		// (channels, funcs) is not a meaningful cache argument to begin with.
		b.WriteString("?:")
		b.WriteString(strconv.Quote(fmt.Sprintf("%#v", rv.Interface())))
	}
}
