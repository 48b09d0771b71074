package kg

import (
	"fmt"

	"github.com/earcrawler/earcrawler/pkg/canonicalize"
	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Schema terms minted under the canonical schema namespace.
var (
	ClassSection   = earid.SchemaNS + "Section"
	ClassParagraph = earid.SchemaNS + "Paragraph"
	PropText       = earid.SchemaNS + "text"
	PropPartOf     = earid.SchemaNS + "partOf"
	PropSectionID  = earid.SchemaNS + "sectionId"
)

// Graph is an emitted knowledge graph. Digest is the SHA-256 of the
// graph's canonical triple serialization (no graph component), computed
// before the named-graph IRI is minted so the IRI can embed it.
type Graph struct {
	Quads  []Quad
	Digest string
	IRI    string
}

// Emit derives the knowledge graph from a built corpus. Every corpus
// document becomes a node: section documents as Sections, anchored
// children as Paragraphs linked to their parent Section. Each node
// carries provenance back to the approved snapshot. Emission is
// deterministic: the same corpus always yields the same digest.
func Emit(c *corpus.Corpus) (*Graph, error) {
	const op = "kg.emit"

	var quads []Quad
	sections := make(map[string]bool)

	for i := range c.Documents {
		d := &c.Documents[i]
		subject, err := nodeIRI(d)
		if err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, op, err)
		}

		class := ClassSection
		if d.ChunkKind == corpus.ChunkParagraph {
			class = ClassParagraph
		}
		quads = append(quads,
			Quad{Subject: subject, Predicate: RDFType, Object: IRI(class)},
			Quad{Subject: subject, Predicate: RDFSLabel, Object: Literal(d.DocID)},
			Quad{Subject: subject, Predicate: PropText, Object: Literal(d.Text)},
			Quad{Subject: subject, Predicate: ProvDerived, Object: Literal(d.SourceRef)},
		)
		if d.Title != "" {
			quads = append(quads, Quad{Subject: subject, Predicate: DCTTitle, Object: Literal(d.Title)})
		}
		quads = append(quads, Quad{Subject: subject, Predicate: DCTSource, Object: sourceTerm(d)})

		if d.ParentID != "" {
			parent, err := earid.BuildSectionIRI(d.ParentID)
			if err != nil {
				return nil, errkind.Wrap(errkind.InvalidInput, op, err)
			}
			quads = append(quads, Quad{Subject: subject, Predicate: PropPartOf, Object: IRI(parent)})
			if !sections[d.ParentID] {
				sections[d.ParentID] = true
				quads = append(quads,
					Quad{Subject: parent, Predicate: RDFType, Object: IRI(ClassSection)},
					Quad{Subject: parent, Predicate: RDFSLabel, Object: Literal(d.ParentID)},
					Quad{Subject: parent, Predicate: PropSectionID, Object: Literal(d.ParentID)},
					Quad{Subject: parent, Predicate: ProvDerived, Object: Literal(d.SourceRef)},
					Quad{Subject: parent, Predicate: DCTSource, Object: sourceTerm(d)},
				)
			}
		} else {
			quads = append(quads, Quad{Subject: subject, Predicate: PropSectionID, Object: Literal(d.SectionID)})
		}

		quads = append(quads, Quad{Subject: subject, Predicate: DCTIssued,
			Object: TypedLiteral(c.Manifest.BuiltAt, XSDDateTime)})
	}

	// Identity first, then the named graph carries it.
	digest := canonicalize.HashBytes(SerializeNQuads(quads))
	iri := earid.BuildGraphIRI(digest)
	for i := range quads {
		quads[i].Graph = iri
	}

	return &Graph{Quads: quads, Digest: digest, IRI: iri}, nil
}

// sourceTerm is the dct:source object for a document's nodes: the
// upstream URL when the snapshot carried one, otherwise the snapshot
// source ref so every node states its origin.
func sourceTerm(d *corpus.Document) Term {
	if d.URL != "" {
		return IRI(d.URL)
	}
	return Literal(d.SourceRef)
}

// nodeIRI mints the subject IRI for a corpus document. Anchored children
// append the percent-encoded paragraph anchor to the section IRI.
func nodeIRI(d *corpus.Document) (string, error) {
	base, err := earid.BuildSectionIRI(d.SectionID)
	if err != nil {
		return "", err
	}
	if d.ParentID == "" {
		return base, nil
	}
	return fmt.Sprintf("%s%%23p%04d", base, d.Ordinal), nil
}
