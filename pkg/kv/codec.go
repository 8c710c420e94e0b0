package kv

import "encoding/json"

// CurrentSchemaVersion is embedded as the first byte of every persisted
// value. Skipping it is the one correctness gap this package refuses to
// repeat from the storage driver it replaces.
const CurrentSchemaVersion byte = 1

// Codec encodes/decodes a versioned value of type T. Forward converters let
// a reader upgrade an older on-disk version to the latest shape; writers
// always emit CurrentSchemaVersion.
type Codec[T any] struct {
	// Upgrade converts a decoded value at `fromVersion` forward to the
	// latest version. Returning the input unchanged is valid when no
	// migration is needed for that hop.
	Upgrade func(v T, fromVersion byte) T
}

// Encode serializes v with the current schema version prefix.
func (c Codec[T]) Encode(v T) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, CurrentSchemaVersion)
	out = append(out, body...)
	return out, nil
}

// Decode parses a versioned value and applies the upgrade chain up to
// CurrentSchemaVersion.
func (c Codec[T]) Decode(data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, ErrEmptyValue
	}
	version := data[0]
	var v T
	if err := json.Unmarshal(data[1:], &v); err != nil {
		return zero, err
	}
	if version < CurrentSchemaVersion && c.Upgrade != nil {
		for ver := version; ver < CurrentSchemaVersion; ver++ {
			v = c.Upgrade(v, ver)
		}
	}
	return v, nil
}

// NewCodec constructs a Codec[T] with no upgrade chain, for value types that
// have never had a schema change.
func NewCodec[T any]() Codec[T] {
	return Codec[T]{}
}
