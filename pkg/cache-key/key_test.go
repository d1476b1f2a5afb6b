package cachekey

import (
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	args := []any{"/api/user", float64(42), map[string]any{"page": float64(2), "sort": "asc"}}
	key, err := Encode(args)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if !reflect.DeepEqual(decoded, args) {
		t.Fatalf("Decoded %v from %s", decoded, key)
	}
}

func TestEncodeDistinguishesNesting(t *testing.T) {
	flat, _ := Encode([]any{"x"})
	nested, _ := Encode([]any{[]any{"x"}})
	if flat == nested {
		t.Fatalf("Keys collide: %s", flat)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	args := func() []any {
		return []any{map[string]any{"b": 1, "a": 2, "c": 3}}
	}
	first, err := Encode(args())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		key, _ := Encode(args())
		if key != first {
			t.Fatalf("Key changed: %s != %s", key, first)
		}
	}
}

func TestEncodeNilArgs(t *testing.T) {
	key, err := Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != "[]" {
		t.Fatalf("Key is %s", key)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("not json"); err == nil {
		t.Fatal("No error for garbage key")
	}
}
