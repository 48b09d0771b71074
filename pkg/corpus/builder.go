package corpus

import (
	"fmt"
	"sort"
	"time"

	"github.com/earcrawler/earcrawler/pkg/canonicalize"
	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/snapshot"
)

// Corpus is a built retrieval corpus in memory. Documents are held in
// emission order (doc_id ascending, byte order).
type Corpus struct {
	Documents []Document
	Manifest  Manifest
}

// BuildOptions pins the nondeterministic inputs of a build.
type BuildOptions struct {
	// SourceDateEpoch is the Unix epoch second recorded as built_at.
	SourceDateEpoch int64
}

// Build derives the retrieval corpus from a validated snapshot. The
// output is a pure function of the snapshot bytes and options: the same
// inputs always produce the same corpus digest.
//
// Sections within the chunk budget become one document keyed by their
// section id. Oversize sections split into anchored paragraph children
// ("<section>#pNNNN", ordinal assigned in source order) with parent_id
// set to the section id.
func Build(snap *snapshot.Snapshot, opts BuildOptions) (*Corpus, error) {
	const op = "corpus.build"

	seen := make(map[string]bool, len(snap.Records))
	sourceRef := snap.SourceRef()
	var docs []Document

	for _, rec := range snap.Records {
		if seen[rec.SectionID] {
			return nil, errkind.New(errkind.Conflict, op,
				"duplicate section %s in snapshot", rec.SectionID)
		}
		seen[rec.SectionID] = true

		chunks := chunkSection(rec.Text)
		if len(chunks) == 1 {
			docs = append(docs, newDocument(rec, rec.SectionID, chunks[0], ChunkSection, "", 0, sourceRef))
			continue
		}
		for i, chunk := range chunks {
			ordinal := i + 1
			docID := earid.AnchorDocID(rec.SectionID, ordinal)
			docs = append(docs, newDocument(rec, docID, chunk, ChunkParagraph, rec.SectionID, ordinal, sourceRef))
		}
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].DocID < docs[j].DocID })

	for i := range docs {
		if err := docs[i].check(); err != nil {
			return nil, err
		}
	}

	data, err := encodeJSONL(docs)
	if err != nil {
		return nil, err
	}

	return &Corpus{
		Documents: docs,
		Manifest: Manifest{
			SchemaVersion: SchemaVersion,
			SourceRef:     sourceRef,
			DocCount:      len(docs),
			CorpusDigest:  canonicalize.HashBytes(data),
			BuiltAt:       time.Unix(opts.SourceDateEpoch, 0).UTC().Format(time.RFC3339),
		},
	}, nil
}

func newDocument(rec snapshot.Record, docID, text, kind, parentID string, ordinal int, sourceRef string) Document {
	return Document{
		SchemaVersion:  SchemaVersion,
		DocID:          docID,
		SectionID:      rec.SectionID,
		Text:           text,
		ChunkKind:      kind,
		Source:         SourceSnapshot,
		SourceRef:      sourceRef,
		Title:          rec.Title,
		URL:            rec.URL,
		ParentID:       parentID,
		Ordinal:        ordinal,
		TokensEstimate: EstimateTokens(text),
		Hash:           canonicalize.HashBytes([]byte(text)),
	}
}

// encodeJSONL serializes documents as canonical JSONL: one JCS record
// per line, LF terminated, with a trailing newline.
func encodeJSONL(docs []Document) ([]byte, error) {
	var out []byte
	for i := range docs {
		line, err := canonicalize.JCS(&docs[i])
		if err != nil {
			return nil, errkind.Wrap(errkind.Internal, "corpus.encode",
				fmt.Errorf("%s: %w", docs[i].DocID, err))
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}
