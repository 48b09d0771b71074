package sparql

import (
	"regexp"
	"sort"

	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/kg"
)

// Template is one allowlisted read-only query. Arguments are validated
// before substitution; a template never sees raw caller input.
type Template struct {
	Name     string
	Doc      string
	Params   []string
	patterns func(args map[string]string) []Pattern
	ask      bool
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// registry holds every template the system will ever run. Closed set;
// adding a template is a code change, not configuration.
var registry = map[string]*Template{
	"section_text": {
		Name:   "section_text",
		Doc:    "text and label for a section node",
		Params: []string{"section_iri"},
		patterns: func(args map[string]string) []Pattern {
			return []Pattern{
				{S: args["section_iri"], P: kg.PropText, O: "?text"},
				{S: args["section_iri"], P: kg.RDFSLabel, O: "?label"},
			}
		},
	},
	"lineage": {
		Name:   "lineage",
		Doc:    "provenance statements for a node",
		Params: []string{"section_iri"},
		patterns: func(args map[string]string) []Pattern {
			return []Pattern{
				{S: args["section_iri"], P: kg.ProvDerived, O: "?derived_from"},
				{S: args["section_iri"], P: kg.DCTIssued, O: "?issued"},
			}
		},
	},
	"paragraphs_of": {
		Name:   "paragraphs_of",
		Doc:    "anchored paragraph nodes of a section",
		Params: []string{"section_iri"},
		patterns: func(args map[string]string) []Pattern {
			return []Pattern{
				{S: "?paragraph", P: kg.PropPartOf, O: args["section_iri"]},
				{S: "?paragraph", P: kg.PropText, O: "?text"},
			}
		},
	},
	"ask_section_exists": {
		Name:   "ask_section_exists",
		Doc:    "whether a section node is present",
		Params: []string{"section_iri"},
		ask:    true,
		patterns: func(args map[string]string) []Pattern {
			return []Pattern{
				{S: args["section_iri"], P: kg.RDFType, O: "?class"},
			}
		},
	},
}

// Templates lists the allowlisted template names, sorted.
func Templates() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query runs an allowlisted SELECT template. Unknown templates and
// invalid arguments fail closed with InvalidInput.
func (e *Engine) Query(name string, args map[string]string) ([]Binding, error) {
	tpl, resolved, err := prepare(name, args)
	if err != nil {
		return nil, err
	}
	if tpl.ask {
		return nil, errkind.New(errkind.InvalidInput, "sparql.query",
			"%s is an ASK template", name)
	}
	return e.solve(tpl.patterns(resolved)), nil
}

// Ask runs an allowlisted ASK template.
func (e *Engine) Ask(name string, args map[string]string) (bool, error) {
	tpl, resolved, err := prepare(name, args)
	if err != nil {
		return false, err
	}
	if !tpl.ask {
		return false, errkind.New(errkind.InvalidInput, "sparql.ask",
			"%s is a SELECT template", name)
	}
	return len(e.solve(tpl.patterns(resolved))) > 0, nil
}

// prepare resolves the template and validates each declared parameter.
// Section-id arguments are normalized and minted into IRIs here so
// templates only ever see canonical IRIs.
func prepare(name string, args map[string]string) (*Template, map[string]string, error) {
	const op = "sparql.template"
	tpl, ok := registry[name]
	if !ok {
		return nil, nil, errkind.New(errkind.InvalidInput, op, "unknown template %q", name)
	}
	resolved := make(map[string]string, len(tpl.Params))
	for _, p := range tpl.Params {
		raw, ok := args[p]
		if !ok {
			return nil, nil, errkind.New(errkind.InvalidInput, op,
				"%s: missing argument %q", name, p)
		}
		switch p {
		case "section_iri":
			iri, err := earid.BuildSectionIRI(raw)
			if err != nil {
				return nil, nil, errkind.Wrap(errkind.InvalidInput, op, err)
			}
			resolved[p] = iri
		case "graph_digest":
			if !hexDigest.MatchString(raw) {
				return nil, nil, errkind.New(errkind.InvalidInput, op,
					"%s: malformed digest", name)
			}
			resolved[p] = raw
		default:
			return nil, nil, errkind.New(errkind.Internal, op,
				"%s: no validator for parameter %q", name, p)
		}
	}
	if len(args) != len(tpl.Params) {
		return nil, nil, errkind.New(errkind.InvalidInput, op,
			"%s: unexpected arguments", name)
	}
	return tpl, resolved, nil
}
