// Package canonicalize produces the deterministic byte representation used
// for every governance hash: action envelopes, pre/post runtime state,
// commits, checkpoints, and the constitution binding.
//
// Rules: UTF-8 JSON, object keys sorted lexicographically by code point,
// compact separators, no HTML escaping, NaN/Infinity rejected, arrays in
// input order, timestamps as RFC 3339 UTC with Z suffix truncated to
// microseconds.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// ErrInvalidValue rejects values with no canonical form (NaN, ±Inf).
var ErrInvalidValue = errcode.New(errcode.SchemaInvalid, "", "value has no canonical form")

// TimeLayout truncates to microseconds; trailing zeros are dropped, which is
// stable because formatting is a pure function of the instant.
const TimeLayout = "2006-01-02T15:04:05.999999Z07:00"

// FormatTime renders a timestamp in the canonical wire form.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeLayout)
}

// Canonical returns the canonical JSON representation of v.
//
// Strategy follows the two-pass shape: marshal to intermediate JSON so struct
// tags are respected, decode with json.Number to keep integers exact, then
// re-marshal recursively with sorted keys and no HTML escaping.
func Canonical(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported value") {
			return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	return marshalRecursive(generic)
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase-hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as lowercase hex.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Transform canonicalizes raw JSON document bytes via RFC 8785 without an
// intermediate decode. Used where the input is already a JSON document on
// disk (definition binding in dcl-config).
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// HashRaw canonicalizes raw JSON bytes and hashes the result.
func HashRaw(raw []byte) (string, error) {
	out, err := Transform(raw)
	if err != nil {
		return "", err
	}
	return HashBytes(out), nil
}

func marshalRecursive(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		// json.Encoder appends a newline; trim it.
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []any:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, ErrInvalidValue
		}
		if err := enc.Encode(t); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	default:
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}
