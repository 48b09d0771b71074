// Package corpus builds and validates the deterministic retrieval corpus:
// canonical JSONL with sorted keys, records sorted by doc id, LF-only, and
// a manifest whose digest is the corpus identity. Identical inputs yield
// byte-identical output.
package corpus

import (
	"strings"

	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// SchemaVersion identifies the retrieval corpus layout.
const SchemaVersion = "retrieval-corpus.v1"

// Chunk kinds.
const (
	ChunkSection    = "section"
	ChunkSubsection = "subsection"
	ChunkParagraph  = "paragraph"
)

// Sources.
const (
	SourceSnapshot = "ecfr_snapshot"
	SourceAPI      = "ecfr_api"
	SourceOther    = "other"
)

// Document is one retrieval record. Unknown fields in stored corpora are
// ignored on read; emitted records carry exactly these.
type Document struct {
	SchemaVersion  string `json:"schema_version"`
	DocID          string `json:"doc_id"`
	SectionID      string `json:"section_id"`
	Text           string `json:"text"`
	ChunkKind      string `json:"chunk_kind"`
	Source         string `json:"source"`
	SourceRef      string `json:"source_ref"`
	Title          string `json:"title,omitempty"`
	URL            string `json:"url,omitempty"`
	ParentID       string `json:"parent_id,omitempty"`
	Ordinal        int    `json:"ordinal,omitempty"`
	TokensEstimate int    `json:"tokens_estimate,omitempty"`
	Hash           string `json:"hash,omitempty"`
}

// Manifest accompanies the corpus file. BuiltAt is pinned by the build
// epoch so rebuilding the same snapshot yields the same manifest bytes.
type Manifest struct {
	SchemaVersion string `json:"schema_version"`
	SourceRef     string `json:"source_ref"`
	DocCount      int    `json:"doc_count"`
	CorpusDigest  string `json:"corpus_digest"`
	BuiltAt       string `json:"built_at"`
}

var validChunkKinds = map[string]bool{
	ChunkSection:    true,
	ChunkSubsection: true,
	ChunkParagraph:  true,
}

var validSources = map[string]bool{
	SourceSnapshot: true,
	SourceAPI:      true,
	SourceOther:    true,
}

// check validates a single document's field contract.
func (d *Document) check() error {
	const op = "corpus.document"
	if d.SchemaVersion != SchemaVersion {
		return errkind.New(errkind.InvalidInput, op, "%s: wrong schema_version %q", d.DocID, d.SchemaVersion)
	}
	if _, _, err := earid.SplitDocID(d.DocID); err != nil {
		return errkind.New(errkind.InvalidInput, op, "bad doc_id %q", d.DocID)
	}
	if !earid.IsCanonicalID(d.SectionID) {
		return errkind.New(errkind.InvalidInput, op, "%s: non-canonical section_id %q", d.DocID, d.SectionID)
	}
	if strings.TrimSpace(d.Text) == "" {
		return errkind.New(errkind.InvalidInput, op, "%s: empty text", d.DocID)
	}
	if !validChunkKinds[d.ChunkKind] {
		return errkind.New(errkind.InvalidInput, op, "%s: bad chunk_kind %q", d.DocID, d.ChunkKind)
	}
	if !validSources[d.Source] {
		return errkind.New(errkind.InvalidInput, op, "%s: bad source %q", d.DocID, d.Source)
	}
	if d.SourceRef == "" {
		return errkind.New(errkind.InvalidInput, op, "%s: missing source_ref", d.DocID)
	}
	return nil
}
