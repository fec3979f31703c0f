// Package canonjson provides canonical JSON encoding: object keys are
// emitted in ascending lexicographic order and numbers are preserved
// verbatim, so equal values always produce equal bytes.
package canonjson

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Marshal encodes v as canonical JSON. The value is first flattened into
// generic JSON values (numbers kept as json.Number) and then re-encoded;
// encoding/json sorts map keys, which yields the canonical key order.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}
	generic, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonjson: re-encode: %w", err)
	}
	return out, nil
}

// Decode parses data into generic JSON values. Numbers are returned as
// json.Number so integers survive a round-trip without becoming floats.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}
	return v, nil
}

// DecodeObject parses data and requires the top-level value to be an object.
func DecodeObject(data []byte) (map[string]any, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("canonjson: expected object, got %T", v)
	}
	return obj, nil
}

// Digest returns the xxhash of v's canonical encoding. Two values with the
// same canonical form always share a digest, regardless of the key order
// they were built with.
func Digest(v any) (uint64, error) {
	data, err := Marshal(v)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}
