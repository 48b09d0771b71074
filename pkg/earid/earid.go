// Package earid implements the canonical EAR identifier algebra: section-id
// normalization, anchored retrieval doc ids, and IRI minting under the
// canonical namespaces. Two ids are equal iff their normalized forms are
// byte-equal; every other subsystem depends on that.
package earid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidID reports an identifier that cannot reach canonical form.
var ErrInvalidID = errors.New("invalid EAR identifier")

// canonicalPattern matches a fully normalized section id, e.g.
// "EAR-736.2(b)". The part is exactly three digits; dot segments carry the
// numeric path; parenthesised tokens carry lowercase subsection letters.
var canonicalPattern = regexp.MustCompile(`^EAR-\d{3}(?:\.\d+[a-z0-9]*)+(?:\([a-z0-9]+\))*$`)

// anchorPattern matches the paragraph anchor of a retrieval doc id.
var anchorPattern = regexp.MustCompile(`^p\d{4}$`)

// NormalizeSectionID maps any accepted spelling of an EAR section reference
// to its canonical form. Normalization is total: inputs that cannot reach the
// canonical pattern after the rule set fail with ErrInvalidID. The function
// is idempotent and locale-independent.
//
// Rules, in order: NFC fold; map U+00A0 to space and trim; strip a leading
// section sign; strip an optional "15 CFR " prefix; accept "EAR-" or "EAR "
// prefixes; remove internal spaces; drop a trailing dot; lowercase the
// subsection tail.
func NormalizeSectionID(raw string) (string, error) {
	s := norm.NFC.String(raw)
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.TrimSpace(s)

	s = strings.TrimPrefix(s, "§")
	s = strings.TrimSpace(s)

	if rest, ok := cutPrefixFold(s, "15 CFR "); ok {
		s = strings.TrimSpace(rest)
	}
	if rest, ok := cutPrefixFold(s, "EAR-"); ok {
		s = rest
	} else if rest, ok := cutPrefixFold(s, "EAR "); ok {
		s = rest
	}

	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimSuffix(s, ".")
	s = strings.ToLower(s)

	id := "EAR-" + s
	if !canonicalPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, truncate(raw, 64))
	}
	return id, nil
}

// IsCanonicalID reports whether s is already in canonical section-id form.
func IsCanonicalID(s string) bool {
	return canonicalPattern.MatchString(s)
}

// NormalizeDocID normalizes a retrieval doc id. A doc id is either a bare
// canonical section id or "<section_id>#pNNNN" with a zero-padded paragraph
// anchor assigned in source order.
func NormalizeDocID(raw string) (string, error) {
	base, anchor, found := strings.Cut(strings.TrimSpace(raw), "#")
	section, err := NormalizeSectionID(base)
	if err != nil {
		return "", err
	}
	if !found {
		return section, nil
	}
	if !anchorPattern.MatchString(anchor) {
		return "", fmt.Errorf("%w: bad anchor in %q", ErrInvalidID, truncate(raw, 64))
	}
	return section + "#" + anchor, nil
}

// SplitDocID splits a doc id into its section id and paragraph ordinal.
// Bare section ids report ordinal -1.
func SplitDocID(docID string) (section string, ordinal int, err error) {
	base, anchor, found := strings.Cut(docID, "#")
	if !IsCanonicalID(base) {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidID, truncate(docID, 64))
	}
	if !found {
		return base, -1, nil
	}
	if !anchorPattern.MatchString(anchor) {
		return "", 0, fmt.Errorf("%w: bad anchor in %q", ErrInvalidID, truncate(docID, 64))
	}
	n, _ := strconv.Atoi(anchor[1:])
	return base, n, nil
}

// AnchorDocID builds the anchored child id for the given paragraph ordinal.
func AnchorDocID(sectionID string, ordinal int) string {
	return fmt.Sprintf("%s#p%04d", sectionID, ordinal)
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
