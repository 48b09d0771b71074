package index

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// Hit is one retrieval result.
type Hit struct {
	DocID     string  `json:"doc_id"`
	SectionID string  `json:"section_id"`
	ParentID  string  `json:"parent_id,omitempty"`
	ChunkKind string  `json:"chunk_kind"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

const rrfK = 60

// Search runs hybrid retrieval: vector KNN and FTS5 BM25 fused with
// reciprocal rank fusion. Ties break on doc_id so results are
// deterministic for a fixed index.
func (ix *Index) Search(ctx context.Context, emb Embedder, query string, topK int) ([]Hit, error) {
	const op = "index.search"
	if topK <= 0 {
		topK = 8
	}

	vec, err := emb.Embed(ctx, query)
	if err != nil {
		return nil, errkind.Wrap(errkind.Upstream, op, err)
	}
	vecHits, err := ix.vectorSearch(ctx, vec, topK*2)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, op, err)
	}
	ftsHits, err := ix.ftsSearch(ctx, query, topK*2)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, op, err)
	}

	return fuseRRF(vecHits, ftsHits, topK), nil
}

func (ix *Index) vectorSearch(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT v.distance, d.doc_id, d.section_id, d.parent_id, d.chunk_kind, d.text
		FROM vec_docs v
		JOIN docs d ON d.id = v.doc_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance, d.doc_id
	`, serializeFloat32(vec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanHits(rows, func(distance float64) float64 { return 1 - distance })
}

func (ix *Index) ftsSearch(ctx context.Context, query string, limit int) ([]Hit, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := ix.db.QueryContext(ctx, `
		SELECT f.rank, d.doc_id, d.section_id, d.parent_id, d.chunk_kind, d.text
		FROM docs_fts f
		JOIN docs d ON d.id = f.rowid
		WHERE docs_fts MATCH ?
		ORDER BY f.rank, d.doc_id
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	// FTS5 rank is negative, lower is better.
	return scanHits(rows, func(rank float64) float64 { return -rank })
}

func scanHits(rows *sql.Rows, score func(float64) float64) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		var raw float64
		var parent sql.NullString
		if err := rows.Scan(&raw, &h.DocID, &h.SectionID, &parent, &h.ChunkKind, &h.Text); err != nil {
			return nil, err
		}
		h.ParentID = parent.String
		h.Score = score(raw)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ftsQuery quotes each token so caller input can never smuggle FTS5
// operators into the match expression.
func ftsQuery(query string) string {
	toks := tokenize(query)
	quoted := make([]string, len(toks))
	for i, t := range toks {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

// fuseRRF merges ranked lists with reciprocal rank fusion. The fused
// score replaces the source scores, normalized so that rank 1 in both
// lists scores 1.0 and rank 1 in a single list scores 0.5; downstream
// thresholds gate on this scale. Ordering is score desc, doc_id asc.
func fuseRRF(vec, fts []Hit, topK int) []Hit {
	type entry struct {
		hit   Hit
		score float64
	}
	merged := make(map[string]*entry)
	add := func(list []Hit) {
		for rank, h := range list {
			e, ok := merged[h.DocID]
			if !ok {
				e = &entry{hit: h}
				merged[h.DocID] = e
			}
			e.score += 1 / float64(rrfK+rank+1)
		}
	}
	add(vec)
	add(fts)

	// Max attainable raw score is 2/(rrfK+1).
	const scale = float64(rrfK+1) / 2

	out := make([]Hit, 0, len(merged))
	for _, e := range merged {
		e.hit.Score = e.score * scale
		out = append(out, e.hit)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}
