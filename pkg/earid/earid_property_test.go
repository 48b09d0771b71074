//go:build property
// +build property

package earid

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestNormalizeIdempotent verifies normalize(normalize(x)) == normalize(x)
// for every input that normalizes at all.
func TestNormalizeIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("normalization is idempotent", prop.ForAll(
		func(part int, seg int, sub string) bool {
			raw := buildRawID(part, seg, sub)
			first, err := NormalizeSectionID(raw)
			if err != nil {
				return true // inputs that never normalize are out of scope
			}
			second, err := NormalizeSectionID(first)
			return err == nil && first == second
		},
		gen.IntRange(100, 999),
		gen.IntRange(1, 99),
		gen.RegexMatch(`[a-z0-9]{0,3}`),
	))

	properties.Property("canonical ids survive IRI round trip", prop.ForAll(
		func(part int, seg int) bool {
			raw := buildRawID(part, seg, "a")
			id, err := NormalizeSectionID(raw)
			if err != nil {
				return true
			}
			iri, err := BuildSectionIRI(id)
			if err != nil {
				return false
			}
			return CanonicalizeIRI(iri) == iri
		},
		gen.IntRange(100, 999),
		gen.IntRange(1, 99),
	))

	properties.TestingRun(t)
}

func buildRawID(part, seg int, sub string) string {
	raw := "EAR-" + itoa(part) + "." + itoa(seg)
	if sub != "" {
		raw += "(" + sub + ")"
	}
	return raw
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
