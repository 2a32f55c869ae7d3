package envelope

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/cachekit-io/cachekit/internal/cacheerr"
)

func TestStoreRetrieveRoundTrip(t *testing.T) {
	plaintext := []byte("hello, cache world, this is a round trip test")
	env, err := Store(plaintext, "jsonfast")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, tag, err := Retrieve(env)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
	if tag != "jsonfast" {
		t.Fatalf("format tag: got %q want jsonfast", tag)
	}
}

func TestStoreRetrieveEmptyPayload(t *testing.T) {
	env, err := Store(nil, "binary")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, _, err := Retrieve(env)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %v", got)
	}
}

func TestStoreCompressesHighlyRedundantData(t *testing.T) {
	plaintext := bytes.Repeat([]byte("abcdefgh"), 4096)
	env, err := Store(plaintext, "binary")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(env) >= len(plaintext) {
		t.Fatalf("expected compressed envelope to be smaller: envelope=%d plaintext=%d", len(env), len(plaintext))
	}
	got, _, err := Retrieve(env)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch after compression")
	}
}

func TestRetrieveRejectsTruncatedEnvelope(t *testing.T) {
	_, _, err := Retrieve([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, cacheerr.ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestRetrieveRejectsUnknownVersion(t *testing.T) {
	env, err := Store([]byte("data"), "binary")
	if err != nil {
		t.Fatal(err)
	}
	env[0] = 0xFF
	_, _, err = Retrieve(env)
	if !errors.Is(err, cacheerr.ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}

func TestRetrieveDetectsCorruption(t *testing.T) {
	env, err := Store([]byte("some important cached value"), "binary")
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte inside the payload without touching the header.
	env[len(env)-1] ^= 0xFF
	_, _, err = Retrieve(env)
	if !errors.Is(err, cacheerr.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
}

func TestRetrieveRejectsOversizedOriginalSize(t *testing.T) {
	env, err := Store([]byte("small"), "binary")
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the original_size field (immediately after the 1-byte
	// fmt_len, 6-byte "binary" tag, and 8-byte checksum) to exceed
	// MaxUncompressed.
	sizeOff := 1 + 1 + len("binary") + 8
	for i := sizeOff; i < sizeOff+4; i++ {
		env[i] = 0xFF
	}
	_, _, err = Retrieve(env)
	if !errors.Is(err, cacheerr.ErrSizeLimitExceeded) {
		t.Fatalf("expected ErrSizeLimitExceeded, got %v", err)
	}
}

func TestRetrieveErrorOpIsStable(t *testing.T) {
	_, _, err := Retrieve(nil)
	var ce *cacheerr.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *cacheerr.Error, got %T", err)
	}
	if !strings.HasPrefix(ce.Op, "envelope.") {
		t.Fatalf("unexpected Op: %s", ce.Op)
	}
}
