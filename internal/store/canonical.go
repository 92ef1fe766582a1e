package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// canonicalTimeFormat is ISO-8601 UTC with millisecond precision
const canonicalTimeFormat = "2006-01-02T15:04:05.000Z"

// TimeUTC truncates a timestamp to the canonical millisecond precision.
// Records are stamped through this so serialization round-trips exactly.
func TimeUTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// CanonicalMarshal produces the canonical JSON serialization: object keys
// sorted, timestamps in ISO-8601 UTC with millisecond precision, no
// insignificant whitespace. Equal values always yield equal bytes.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	// Round-trip through interface{} so all objects become maps, which
	// encoding/json serializes with sorted keys.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	tree = canonicalize(tree)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	// Encoder appends a trailing newline; strip it for stable checksums.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalize normalizes RFC3339 timestamp strings to millisecond precision
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = canonicalize(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = canonicalize(val)
		}
		return t
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC().Truncate(time.Millisecond).Format(canonicalTimeFormat)
		}
		return t
	default:
		return v
	}
}

// Checksum computes the hex SHA-256 of the canonical serialization of v
func Checksum(v interface{}) (string, error) {
	data, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
