// Package sparql evaluates a fixed, allowlisted set of read-only query
// templates against an in-memory quad store. Free-form query strings are
// never accepted: callers name a template and supply validated arguments,
// which closes the injection surface entirely.
package sparql

import (
	"sort"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/kg"
)

// Engine is an immutable in-memory store over an emitted graph. It
// answers basic graph patterns by index lookup and join; that subset
// covers every allowlisted template.
type Engine struct {
	quads  []kg.Quad
	byPred map[string][]int
	bySubj map[string][]int
}

// NewEngine indexes the given quads. The slice is not copied; callers
// must not mutate it afterwards.
func NewEngine(quads []kg.Quad) *Engine {
	e := &Engine{
		quads:  quads,
		byPred: make(map[string][]int),
		bySubj: make(map[string][]int),
	}
	for i, q := range quads {
		e.byPred[q.Predicate] = append(e.byPred[q.Predicate], i)
		e.bySubj[q.Subject] = append(e.bySubj[q.Subject], i)
	}
	return e
}

// Dump returns the store's canonical N-Quads serialization.
func (e *Engine) Dump() []byte {
	return kg.SerializeNQuads(e.quads)
}

// Size reports the quad count.
func (e *Engine) Size() int { return len(e.quads) }

// Pattern is one triple pattern. Fields beginning with '?' are
// variables; the object matches on the term's lexical value.
type Pattern struct {
	S, P, O string
}

// Binding maps variable names (without '?') to matched terms.
type Binding map[string]kg.Term

// solve evaluates a basic graph pattern, joining patterns left to right.
// Results are deterministic: rows come back sorted by their serialized
// form.
func (e *Engine) solve(patterns []Pattern) []Binding {
	rows := []Binding{{}}
	for _, p := range patterns {
		var next []Binding
		for _, row := range rows {
			next = append(next, e.match(p, row)...)
		}
		rows = next
		if len(rows) == 0 {
			break
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return bindingKey(rows[i]) < bindingKey(rows[j])
	})
	return rows
}

func (e *Engine) match(p Pattern, row Binding) []Binding {
	s := resolve(p.S, row)
	pred := resolve(p.P, row)
	obj := resolve(p.O, row)

	// Pick the narrowest index available.
	var candidates []int
	switch {
	case !isVar(s):
		candidates = e.bySubj[s]
	case !isVar(pred):
		candidates = e.byPred[pred]
	default:
		candidates = allIndices(len(e.quads))
	}

	var out []Binding
	for _, i := range candidates {
		q := e.quads[i]
		if !isVar(s) && q.Subject != s {
			continue
		}
		if !isVar(pred) && q.Predicate != pred {
			continue
		}
		if !isVar(obj) && q.Object.Value != obj {
			continue
		}
		nb := cloneBinding(row)
		if isVar(s) {
			if !bind(nb, s[1:], kg.IRI(q.Subject)) {
				continue
			}
		}
		if isVar(pred) {
			if !bind(nb, pred[1:], kg.IRI(q.Predicate)) {
				continue
			}
		}
		if isVar(obj) {
			if !bind(nb, obj[1:], q.Object) {
				continue
			}
		}
		out = append(out, nb)
	}
	return out
}

// resolve substitutes an already-bound variable into a pattern slot.
func resolve(slot string, row Binding) string {
	if isVar(slot) {
		if t, ok := row[slot[1:]]; ok {
			return t.Value
		}
	}
	return slot
}

func bind(row Binding, name string, t kg.Term) bool {
	if prev, ok := row[name]; ok {
		return prev.Value == t.Value
	}
	row[name] = t
	return true
}

func isVar(s string) bool { return strings.HasPrefix(s, "?") }

func cloneBinding(b Binding) Binding {
	nb := make(Binding, len(b)+1)
	for k, v := range b {
		nb[k] = v
	}
	return nb
}

func bindingKey(b Binding) string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(b[k].Value)
		sb.WriteByte('\x00')
	}
	return sb.String()
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// MissingProvenance returns, sorted, every typed node that lacks a
// prov:wasDerivedFrom statement. The integrity gate requires this to be
// empty.
func (e *Engine) MissingProvenance() []string {
	derived := make(map[string]bool)
	for _, i := range e.byPred[kg.ProvDerived] {
		derived[e.quads[i].Subject] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, i := range e.byPred[kg.RDFType] {
		s := e.quads[i].Subject
		if !derived[s] && !seen[s] {
			seen[s] = true
			missing = append(missing, s)
		}
	}
	sort.Strings(missing)
	return missing
}
