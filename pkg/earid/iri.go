package earid

import "strings"

// Canonical namespaces. The graph namespace is completed with a snapshot
// digest; the moving "main" pointer is never an identity.
const (
	SchemaNS   = "https://ear.example.org/schema#"
	ResourceNS = "https://ear.example.org/resource/"
	EntityNS   = "https://ear.example.org/entity/"
	GraphNS    = "https://ear.example.org/graph/"

	sectionPath = "ear/section/"
)

// BuildSectionIRI mints the canonical IRI for a section id. The id must
// already be canonical; callers normalize first.
func BuildSectionIRI(sectionID string) (string, error) {
	if !IsCanonicalID(sectionID) {
		norm, err := NormalizeSectionID(sectionID)
		if err != nil {
			return "", err
		}
		sectionID = norm
	}
	return ResourceNS + sectionPath + encodeSegment(sectionID), nil
}

// BuildGraphIRI returns the named graph IRI for a KG snapshot digest.
func BuildGraphIRI(digest string) string {
	return GraphNS + "kg/" + digest
}

// EncodeSectionID percent-encodes a section id for use as an IRI path
// segment per RFC 3986: unreserved characters pass through, everything else
// is percent-encoded with uppercase hex.
func EncodeSectionID(sectionID string) string {
	return encodeSegment(sectionID)
}

const upperhex = "0123456789ABCDEF"

func encodeSegment(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}

// legacyAliases maps retired IRI prefixes to their canonical equivalents,
// longest prefix first so the most specific alias wins. The table is closed
// for emission — the emitter never consults it — and open for reads: unknown
// IRIs pass through CanonicalizeIRI unchanged.
var legacyAliases = []struct{ legacy, canonical string }{
	{"https://ear.example.org/resource/section/", ResourceNS + sectionPath},
	{"http://ear.example.org/resource/section/", ResourceNS + sectionPath},
	{"https://ear.example.org/res/section/", ResourceNS + sectionPath},
	{"https://ear.example.org/res/", ResourceNS},
	{"http://ear.example.org/resource/", ResourceNS},
	{"http://ear.example.org/schema#", SchemaNS},
	{"https://ear.example.org/vocab#", SchemaNS},
}

// CanonicalizeIRI rewrites a legacy IRI to its canonical form. The mapping
// is idempotent: canonical IRIs and IRIs outside the alias table are
// returned unchanged.
func CanonicalizeIRI(iri string) string {
	for _, a := range legacyAliases {
		if rest, ok := strings.CutPrefix(iri, a.legacy); ok {
			return a.canonical + rest
		}
	}
	return iri
}
