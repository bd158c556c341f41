package canonicalize

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := Canonical(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestCanonical_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := Canonical(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := Canonical(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<script>alert('xss')</script> &"}`, string(b))
}

func TestCanonical_StructTagsRespected(t *testing.T) {
	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := Hash(S{A: 1, B: 2})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "semantically identical inputs must hash identically")
}

func TestCanonical_IntegerExactness(t *testing.T) {
	// Large integers must not pass through float64.
	b, err := Canonical(map[string]any{"seq": json.Number("9007199254740993")})
	require.NoError(t, err)
	assert.Equal(t, `{"seq":9007199254740993}`, string(b))
}

func TestCanonical_RejectsNaNAndInf(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Canonical(map[string]any{"x": v})
		assert.ErrorIs(t, err, ErrInvalidValue, "value %v", v)
	}
}

func TestFormatTime(t *testing.T) {
	in := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.FixedZone("EST", -5*3600))
	got := FormatTime(in)
	assert.Equal(t, "2026-03-14T14:26:53.589793Z", got)

	// Whole seconds drop the fraction entirely; still deterministic.
	assert.Equal(t, "2026-03-14T14:26:53Z", FormatTime(in.Truncate(time.Second)))
}

func TestRoundTrip_Idempotence(t *testing.T) {
	input := map[string]any{
		"b": []any{1, "two", map[string]any{"z": true, "a": nil}},
		"a": "café",
	}
	first, err := Canonical(input)
	require.NoError(t, err)

	var parsed any
	require.NoError(t, json.Unmarshal(first, &parsed))
	second, err := Canonical(parsed)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestTransform_AgreesOnASCIIDocuments(t *testing.T) {
	raw := []byte(`{ "b" : 2, "a" : { "y": [3, 1], "x": "s" } }`)

	viaTransform, err := Transform(raw)
	require.NoError(t, err)

	var parsed any
	require.NoError(t, json.Unmarshal(raw, &parsed))
	viaCanonical, err := Canonical(parsed)
	require.NoError(t, err)

	assert.Equal(t, string(viaCanonical), string(viaTransform))
}

func TestHashBytes_IsLowercaseHex(t *testing.T) {
	h := HashBytes([]byte("constitution"))
	assert.Len(t, h, 64)
	for _, c := range h {
		assert.Contains(t, "0123456789abcdef", string(c))
	}
}
