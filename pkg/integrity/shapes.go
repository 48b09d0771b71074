package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/kg"
)

// ShapesManifest declares the conformance shapes for one graph schema
// release. The semver must be compatible with the emitter's pin or the
// gate refuses to run at all.
type ShapesManifest struct {
	SchemaVersion string  `json:"schema_version"`
	SchemaSemver  string  `json:"schema_semver"`
	Shapes        []Shape `json:"shapes"`
}

// Shape constrains every node of a class.
type Shape struct {
	Class      string          `json:"class"`
	Properties []PropertyShape `json:"properties"`
}

// PropertyShape is the SHACL subset the gate enforces: cardinality,
// node kind, datatype and a lexical pattern.
type PropertyShape struct {
	Path     string `json:"path"`
	MinCount int    `json:"min_count"`
	NodeKind string `json:"node_kind,omitempty"` // "iri" or "literal"
	Datatype string `json:"datatype,omitempty"`
	Pattern  string `json:"pattern,omitempty"`
}

// DefaultShapes returns the shipped shapes for the current schema.
func DefaultShapes() *ShapesManifest {
	return &ShapesManifest{
		SchemaVersion: kg.StateSchemaVersion,
		SchemaSemver:  kg.SchemaSemver,
		Shapes: []Shape{
			{
				Class: kg.ClassSection,
				Properties: []PropertyShape{
					{Path: kg.RDFSLabel, MinCount: 1, NodeKind: "literal", Pattern: `^EAR-\d{3}`},
					{Path: kg.ProvDerived, MinCount: 1, NodeKind: "literal"},
				},
			},
			{
				Class: kg.ClassParagraph,
				Properties: []PropertyShape{
					{Path: kg.PropText, MinCount: 1, NodeKind: "literal"},
					{Path: kg.PropPartOf, MinCount: 1, NodeKind: "iri"},
					{Path: kg.ProvDerived, MinCount: 1, NodeKind: "literal"},
				},
			},
		},
	}
}

// LoadShapes reads a shapes manifest from disk.
func LoadShapes(path string) (*ShapesManifest, error) {
	const op = "integrity.shapes"
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	var m ShapesManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, op, err)
	}
	if m.SchemaVersion == "" || len(m.Shapes) == 0 {
		return nil, errkind.New(errkind.InvalidInput, op, "incomplete shapes manifest")
	}
	return &m, nil
}

// NewShapesGate validates every typed node in the graph against the
// shapes manifest.
func NewShapesGate(shapes *ShapesManifest, quads []kg.Quad) Gate {
	return gateFunc{name: "shapes", run: func(ctx context.Context) error {
		if shapes.SchemaVersion != kg.StateSchemaVersion {
			return fmt.Errorf("shapes schema_version %q does not match emitter %q",
				shapes.SchemaVersion, kg.StateSchemaVersion)
		}
		sv, err := semver.NewVersion(shapes.SchemaSemver)
		if err != nil {
			return fmt.Errorf("shapes semver: %v", err)
		}
		ev := semver.MustParse(kg.SchemaSemver)
		if sv.Major() != ev.Major() {
			return fmt.Errorf("shapes semver %s incompatible with emitter %s",
				shapes.SchemaSemver, kg.SchemaSemver)
		}
		return conform(shapes, quads)
	}}
}

func conform(shapes *ShapesManifest, quads []kg.Quad) error {
	byClass := make(map[string][]string)
	props := make(map[string]map[string][]kg.Term)
	for _, q := range quads {
		if q.Predicate == kg.RDFType && q.Object.IsIRI {
			byClass[q.Object.Value] = append(byClass[q.Object.Value], q.Subject)
		}
		if props[q.Subject] == nil {
			props[q.Subject] = make(map[string][]kg.Term)
		}
		props[q.Subject][q.Predicate] = append(props[q.Subject][q.Predicate], q.Object)
	}

	for _, shape := range shapes.Shapes {
		re := make(map[string]*regexp.Regexp)
		for _, p := range shape.Properties {
			if p.Pattern != "" {
				r, err := regexp.Compile(p.Pattern)
				if err != nil {
					return fmt.Errorf("shape %s: bad pattern %q", shape.Class, p.Pattern)
				}
				re[p.Path] = r
			}
		}
		for _, node := range byClass[shape.Class] {
			for _, p := range shape.Properties {
				terms := props[node][p.Path]
				if len(terms) < p.MinCount {
					return fmt.Errorf("%s: property %s count %d < %d",
						node, p.Path, len(terms), p.MinCount)
				}
				for _, term := range terms {
					if p.NodeKind == "iri" && !term.IsIRI {
						return fmt.Errorf("%s: property %s expects an IRI", node, p.Path)
					}
					if p.NodeKind == "literal" && term.IsIRI {
						return fmt.Errorf("%s: property %s expects a literal", node, p.Path)
					}
					if p.Datatype != "" && term.Datatype != p.Datatype {
						return fmt.Errorf("%s: property %s datatype %q, want %q",
							node, p.Path, term.Datatype, p.Datatype)
					}
					if r := re[p.Path]; r != nil && !r.MatchString(term.Value) {
						return fmt.Errorf("%s: property %s value fails pattern", node, p.Path)
					}
				}
			}
		}
	}
	return nil
}
