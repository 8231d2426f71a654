// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of plans, configs and audit artifacts.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// HashPrefix is prepended to every serialized digest.
const HashPrefix = "sha256:"

// JSON returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Map keys are sorted lexicographically by UTF-16 code units per RFC 8785.
// 2. Strings are NFC-normalized before serialization.
// 3. Numbers use the shortest round-trip representation.
// 4. HTML escaping is disabled (unlike standard json.Marshal).
func JSON(v interface{}) ([]byte, error) {
	// Strategy: Marshal to intermediate JSON (standard, respects json tags),
	// decode to interface{} with UseNumber, NFC-normalize all strings, then
	// re-marshal and hand the result to the RFC 8785 transform.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	normalized := normalizeStrings(generic)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical: re-marshal failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 digest of the canonical JSON form of v,
// serialized as "sha256:" followed by 64 lowercase hex digits.
func Hash(v interface{}) (string, error) {
	b, err := JSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes in serialized form.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// JSONString returns the canonical form as a string.
func JSONString(v interface{}) (string, error) {
	data, err := JSON(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// normalizeStrings walks a decoded JSON value and NFC-normalizes every string,
// including map keys. Arrays preserve order.
func normalizeStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []interface{}:
		for i, elem := range t {
			t[i] = normalizeStrings(elem)
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	default:
		return v
	}
}
