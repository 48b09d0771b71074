package index

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/snapshot"
)

func testCorpus(t *testing.T) *corpus.Corpus {
	t.Helper()
	snap := &snapshot.Snapshot{
		Records: []snapshot.Record{
			{SectionID: "EAR-736.2(b)", Text: "General prohibition one covers exports of controlled items."},
			{SectionID: "EAR-744.11(a)", Text: "License requirements apply to listed entities."},
			{SectionID: "EAR-734.3.1", Text: "Scope of the regulations and items subject to them."},
		},
		PayloadSHA256: "aaaabbbbccccddddeeeeffff0000111122223333444455556666777788889999",
	}
	snap.Manifest.SnapshotID = "ecfr-title15-2026-01-02"
	c, err := corpus.Build(snap, corpus.BuildOptions{SourceDateEpoch: 946684800})
	require.NoError(t, err)
	return c
}

func TestHashEmbedderDeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(256)
	a, err := e.Embed(context.Background(), "license requirements for entities")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "license requirements for entities")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestHashEmbedderSimilarTextCloser(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "license requirements")
	near, _ := e.Embed(ctx, "license requirements apply to listed entities")
	far, _ := e.Embed(ctx, "scope of the regulations")

	assert.Greater(t, dot(q, near), dot(q, far))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestBuildOpenSearch(t *testing.T) {
	c := testCorpus(t)
	emb := NewHashEmbedder(64)
	dir := t.TempDir()

	require.NoError(t, Build(context.Background(), dir, c, emb, BuildOptions{
		SourceDateEpoch: 946684800,
		SnapshotID:      "ecfr-title15-2026-01-02",
		SnapshotSHA256:  "aaaabbbbccccddddeeeeffff0000111122223333444455556666777788889999",
	}))

	ix, err := Open(dir, c.Manifest.CorpusDigest, emb.Model())
	require.NoError(t, err)
	defer ix.Close()
	assert.Equal(t, len(c.Documents), ix.Meta().DocCount)

	hits, err := ix.Search(context.Background(), emb, "license requirements for entities", 2)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "EAR-744.11(a)", hits[0].DocID)
}

func TestOpenFailsClosedOnStaleCorpus(t *testing.T) {
	c := testCorpus(t)
	emb := NewHashEmbedder(64)
	dir := t.TempDir()
	require.NoError(t, Build(context.Background(), dir, c, emb, BuildOptions{SourceDateEpoch: 946684800}))

	_, err := Open(dir, "0000000000000000000000000000000000000000000000000000000000000000", emb.Model())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleIndex)
	assert.True(t, errkind.Is(err, errkind.IntegrityFailure))
}

func TestOpenFailsClosedOnModelMismatch(t *testing.T) {
	c := testCorpus(t)
	emb := NewHashEmbedder(64)
	dir := t.TempDir()
	require.NoError(t, Build(context.Background(), dir, c, emb, BuildOptions{SourceDateEpoch: 946684800}))

	_, err := Open(dir, c.Manifest.CorpusDigest, "text-embedding-3-small")
	assert.ErrorIs(t, err, ErrStaleIndex)
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	vec := []Hit{{DocID: "EAR-736.2"}, {DocID: "EAR-744.11"}}
	fts := []Hit{{DocID: "EAR-744.11"}, {DocID: "EAR-736.2"}}
	out := fuseRRF(vec, fts, 10)
	require.Len(t, out, 2)
	// Symmetric ranks fuse to equal scores; doc_id breaks the tie.
	assert.Equal(t, "EAR-736.2", out[0].DocID)
	assert.InDelta(t, out[0].Score, out[1].Score, 1e-12)
}

func TestFuseRRFScoreScale(t *testing.T) {
	// Rank 1 in both lists is the strongest possible result and scores
	// 1.0; rank 1 in a single list scores 0.5. Gating thresholds
	// downstream rely on this scale.
	both := fuseRRF([]Hit{{DocID: "EAR-736.2"}}, []Hit{{DocID: "EAR-736.2"}}, 10)
	require.Len(t, both, 1)
	assert.InDelta(t, 1.0, both[0].Score, 1e-12)

	single := fuseRRF([]Hit{{DocID: "EAR-736.2"}}, nil, 10)
	require.Len(t, single, 1)
	assert.InDelta(t, 0.5, single[0].Score, 1e-12)
}

func TestFtsQueryQuotesOperators(t *testing.T) {
	q := ftsQuery(`entities" OR 1 NEAR drop`)
	assert.NotContains(t, q, `""`)
	for _, piece := range []string{`"entities"`, `"or"`, `"1"`, `"near"`, `"drop"`} {
		assert.Contains(t, q, piece)
	}
}

func TestEmbedderMathSanity(t *testing.T) {
	// Guard against regressions in the serialization layout.
	raw := serializeFloat32([]float32{1, -2, 0.5})
	require.Len(t, raw, 12)
	assert.Equal(t, float32(1), math.Float32frombits(uint32(raw[0])|uint32(raw[1])<<8|uint32(raw[2])<<16|uint32(raw[3])<<24))
}
