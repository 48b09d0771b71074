// Package kg emits the EAR knowledge graph as deterministic RDF: sorted
// N-Quads and Turtle serializations, a provenance triple set per section,
// and a pinned-schema state manifest. The graph digest, not a branch
// pointer, is the graph's identity.
package kg

import (
	"sort"
	"strings"
)

// Well-known vocabulary IRIs.
const (
	RDFType     = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	RDFSLabel   = "http://www.w3.org/2000/01/rdf-schema#label"
	DCTSource   = "http://purl.org/dc/terms/source"
	DCTIssued   = "http://purl.org/dc/terms/issued"
	DCTTitle    = "http://purl.org/dc/terms/title"
	ProvDerived = "http://www.w3.org/ns/prov#wasDerivedFrom"
	XSDDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
)

// Term is an RDF term: an IRI or a literal with an optional datatype.
type Term struct {
	Value    string
	IsIRI    bool
	Datatype string
}

// IRI builds an IRI term.
func IRI(value string) Term { return Term{Value: value, IsIRI: true} }

// Literal builds a plain string literal term.
func Literal(value string) Term { return Term{Value: value} }

// TypedLiteral builds a literal with an explicit datatype IRI.
func TypedLiteral(value, datatype string) Term {
	return Term{Value: value, Datatype: datatype}
}

// Quad is one statement in a named graph.
type Quad struct {
	Subject   string
	Predicate string
	Object    Term
	Graph     string
}

// nquad serializes a quad in N-Quads form.
func (q Quad) nquad() string {
	var b strings.Builder
	b.WriteString("<" + q.Subject + "> ")
	b.WriteString("<" + q.Predicate + "> ")
	b.WriteString(q.Object.nformat())
	if q.Graph != "" {
		b.WriteString(" <" + q.Graph + ">")
	}
	b.WriteString(" .")
	return b.String()
}

func (t Term) nformat() string {
	if t.IsIRI {
		return "<" + t.Value + ">"
	}
	out := `"` + escapeLiteral(t.Value) + `"`
	if t.Datatype != "" {
		out += "^^<" + t.Datatype + ">"
	}
	return out
}

// escapeLiteral applies N-Triples string escaping.
func escapeLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SerializeNQuads renders quads as canonical N-Quads: one statement per
// line, lines sorted bytewise, LF terminated with a trailing newline.
// Serialization never mutates its input.
func SerializeNQuads(quads []Quad) []byte {
	lines := make([]string, len(quads))
	for i, q := range quads {
		lines[i] = q.nquad()
	}
	sort.Strings(lines)
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
