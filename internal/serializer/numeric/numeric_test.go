package numeric

import (
	"reflect"
	"testing"
)

func TestRoundTripFloat64(t *testing.T) {
	s := New()
	in := []float64{1.5, -2.25, 0, 3.14159265}
	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, in)
	}
}

func TestRoundTripInt64(t *testing.T) {
	s := New()
	in := []int64{1, -2, 0, 9223372036854775807}
	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("round trip mismatch: got %#v want %#v", got, in)
	}
}

func TestRoundTripEmpty(t *testing.T) {
	s := New()
	data, err := s.Serialize([]float64{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	arr, ok := got.([]float64)
	if !ok || len(arr) != 0 {
		t.Fatalf("expected empty []float64, got %#v", got)
	}
}

func TestSerializeRejectsUnsupportedType(t *testing.T) {
	s := New()
	if _, err := s.Serialize([]string{"a", "b"}); err == nil {
		t.Fatal("expected error for []string input")
	}
}

func TestDeserializeRejectsTruncated(t *testing.T) {
	s := New()
	if _, err := s.Deserialize([]byte{kindFloat64, 0, 0, 0, 5, 1, 2}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}
