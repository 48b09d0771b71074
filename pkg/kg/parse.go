package kg

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

func mustConstraint(expr string) *semver.Constraints {
	c, err := semver.NewConstraint(expr)
	if err != nil {
		panic(err)
	}
	return c
}

// parseNQuadLine parses one emitted N-Quads statement. Subject, predicate
// and graph are IRIs; the object is an IRI or a (possibly typed) literal.
func parseNQuadLine(line string) (Quad, error) {
	rest := strings.TrimSpace(line)
	if !strings.HasSuffix(rest, ".") {
		return Quad{}, fmt.Errorf("missing statement terminator")
	}
	rest = strings.TrimSpace(strings.TrimSuffix(rest, "."))

	subject, rest, err := takeIRI(rest)
	if err != nil {
		return Quad{}, fmt.Errorf("subject: %w", err)
	}
	predicate, rest, err := takeIRI(rest)
	if err != nil {
		return Quad{}, fmt.Errorf("predicate: %w", err)
	}
	object, rest, err := takeTerm(rest)
	if err != nil {
		return Quad{}, fmt.Errorf("object: %w", err)
	}

	q := Quad{Subject: subject, Predicate: predicate, Object: object}
	rest = strings.TrimSpace(rest)
	if rest != "" {
		graph, tail, err := takeIRI(rest)
		if err != nil {
			return Quad{}, fmt.Errorf("graph: %w", err)
		}
		if strings.TrimSpace(tail) != "" {
			return Quad{}, fmt.Errorf("trailing content %q", tail)
		}
		q.Graph = graph
	}
	return q, nil
}

func takeIRI(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", "", fmt.Errorf("expected IRI, got %q", head(s))
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", "", fmt.Errorf("unterminated IRI")
	}
	return s[1:end], s[end+1:], nil
}

func takeTerm(s string) (Term, string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") {
		iri, rest, err := takeIRI(s)
		if err != nil {
			return Term{}, "", err
		}
		return IRI(iri), rest, nil
	}
	if !strings.HasPrefix(s, `"`) {
		return Term{}, "", fmt.Errorf("expected IRI or literal, got %q", head(s))
	}
	value, rest, err := takeQuoted(s)
	if err != nil {
		return Term{}, "", err
	}
	t := Literal(value)
	if strings.HasPrefix(rest, "^^") {
		dt, tail, err := takeIRI(rest[2:])
		if err != nil {
			return Term{}, "", fmt.Errorf("datatype: %w", err)
		}
		t.Datatype = dt
		rest = tail
	}
	return t, rest, nil
}

// takeQuoted consumes a double-quoted literal, unescaping the N-Triples
// escape set this package emits.
func takeQuoted(s string) (string, string, error) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		if c == '"' {
			return b.String(), s[i+1:], nil
		}
		if c == '\\' {
			if i+1 >= len(s) {
				return "", "", fmt.Errorf("dangling escape")
			}
			i++
			switch s[i] {
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				return "", "", fmt.Errorf("unsupported escape \\%c", s[i])
			}
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return "", "", fmt.Errorf("unterminated literal")
}

func head(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
