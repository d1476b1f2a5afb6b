// Package cachekey turns fetch-argument tuples into deterministic string keys
// and back. Keys are treated as opaque by the rest of the engine.
package cachekey

import (
	"encoding/json"
	"fmt"
)

// Encode serializes the argument tuple into a stable string key.
// The tuple is always encoded as a JSON array, so a single argument and a
// one-element tuple containing it produce different keys than the bare value
// would. Arguments are restricted to JSON-expressible values.
func Encode(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("could not encode cache key: %w", err)
	}
	return string(b), nil
}

// Decode recovers the argument tuple from a key produced by Encode.
// Values come back with JSON-equivalent semantics (numbers as float64).
func Decode(key string) ([]any, error) {
	var args []any
	if err := json.Unmarshal([]byte(key), &args); err != nil {
		return nil, fmt.Errorf("could not decode cache key %q: %w", key, err)
	}
	return args, nil
}
