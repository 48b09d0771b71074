package kg

import (
	"sort"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/earid"
)

// turtlePrefixes in emission order.
var turtlePrefixes = []struct{ prefix, ns string }{
	{"rdf", "http://www.w3.org/1999/02/22-rdf-syntax-ns#"},
	{"rdfs", "http://www.w3.org/2000/01/rdf-schema#"},
	{"dct", "http://purl.org/dc/terms/"},
	{"prov", "http://www.w3.org/ns/prov#"},
	{"xsd", "http://www.w3.org/2001/XMLSchema#"},
	{"ear", earid.SchemaNS},
}

// SerializeTurtle renders the graph as Turtle: a fixed prefix block, then
// subjects in sorted order with sorted predicate-object lists. The graph
// component is dropped; Turtle is the human-review surface, N-Quads the
// canonical one.
func SerializeTurtle(quads []Quad) []byte {
	bySubject := make(map[string][]Quad)
	for _, q := range quads {
		bySubject[q.Subject] = append(bySubject[q.Subject], q)
	}
	subjects := make([]string, 0, len(bySubject))
	for s := range bySubject {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)

	var b strings.Builder
	for _, p := range turtlePrefixes {
		b.WriteString("@prefix " + p.prefix + ": <" + p.ns + "> .\n")
	}
	b.WriteByte('\n')

	for _, subject := range subjects {
		stmts := bySubject[subject]
		sort.Slice(stmts, func(i, j int) bool {
			if stmts[i].Predicate != stmts[j].Predicate {
				return stmts[i].Predicate < stmts[j].Predicate
			}
			return stmts[i].Object.nformat() < stmts[j].Object.nformat()
		})

		b.WriteString(shortenIRI(subject) + "\n")
		for i, q := range stmts {
			b.WriteString("    " + shortenIRI(q.Predicate) + " " + turtleObject(q.Object))
			if i == len(stmts)-1 {
				b.WriteString(" .\n")
			} else {
				b.WriteString(" ;\n")
			}
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func turtleObject(t Term) string {
	if t.IsIRI {
		return shortenIRI(t.Value)
	}
	out := `"` + escapeLiteral(t.Value) + `"`
	if t.Datatype != "" {
		out += "^^" + shortenIRI(t.Datatype)
	}
	return out
}

// shortenIRI applies a prefix when the local part is a plain name,
// falling back to an absolute IRI otherwise.
func shortenIRI(iri string) string {
	for _, p := range turtlePrefixes {
		if rest, ok := strings.CutPrefix(iri, p.ns); ok && isLocalName(rest) {
			return p.prefix + ":" + rest
		}
	}
	return "<" + iri + ">"
}

func isLocalName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' {
			continue
		}
		return false
	}
	return true
}
