package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCS(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(out))
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	out, err := JCS(map[string]string{"url": "https://ear.example.org/resource?a=1&b=2"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "a=1&b=2")
	assert.NotContains(t, string(out), `&`)
}

func TestJCSHonoursStructTags(t *testing.T) {
	type manifest struct {
		SchemaVersion string `json:"schema_version"`
		DocCount      int    `json:"doc_count"`
	}
	out, err := JCS(manifest{SchemaVersion: "retrieval-corpus.v1", DocCount: 3})
	require.NoError(t, err)
	assert.Equal(t, `{"doc_count":3,"schema_version":"retrieval-corpus.v1"}`, string(out))
}

func TestCanonicalHashStable(t *testing.T) {
	a, err := CanonicalHash(map[string]any{"x": "y", "n": 7})
	require.NoError(t, err)
	b, err := CanonicalHash(map[string]any{"n": 7, "x": "y"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashBytes(t *testing.T) {
	// sha256("") well-known vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
