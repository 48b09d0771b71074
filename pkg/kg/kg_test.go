package kg

import (
	"os"
	"path/filepath"
	"strings"
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
			{SectionID: "EAR-736.2(b)", Text: "General prohibition one.", Title: "General prohibitions",
				URL: "https://www.ecfr.gov/title-15/section-736.2"},
			{SectionID: "EAR-744.11(a)", Text: "License requirements apply."},
		},
		PayloadSHA256: "aaaabbbbccccddddeeeeffff0000111122223333444455556666777788889999",
	}
	snap.Manifest.SnapshotID = "ecfr-title15-2026-01-02"
	c, err := corpus.Build(snap, corpus.BuildOptions{SourceDateEpoch: 946684800})
	require.NoError(t, err)
	return c
}

func TestEmitIsDeterministic(t *testing.T) {
	c := testCorpus(t)
	a, err := Emit(c)
	require.NoError(t, err)
	b, err := Emit(c)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)
	assert.Equal(t, SerializeNQuads(a.Quads), SerializeNQuads(b.Quads))
}

func TestEmitGraphIRICarriesDigest(t *testing.T) {
	g, err := Emit(testCorpus(t))
	require.NoError(t, err)
	assert.Contains(t, g.IRI, g.Digest)
	for _, q := range g.Quads {
		assert.Equal(t, g.IRI, q.Graph)
	}
}

func TestEmitProvenance(t *testing.T) {
	g, err := Emit(testCorpus(t))
	require.NoError(t, err)

	nq := string(SerializeNQuads(g.Quads))
	assert.Contains(t, nq, "<"+ProvDerived+"> \"ecfr-title15-2026-01-02@sha256:")
	assert.Contains(t, nq, "<"+DCTIssued+"> \"2000-01-01T00:00:00Z\"^^<"+XSDDateTime+">")
	assert.Contains(t, nq, "<"+DCTSource+"> <https://www.ecfr.gov/title-15/section-736.2>")
}

func TestEmitSourceOnEveryNode(t *testing.T) {
	g, err := Emit(testCorpus(t))
	require.NoError(t, err)

	// EAR-744.11(a) has no upstream URL; its node still states its
	// origin, falling back to the snapshot source ref.
	withSource := make(map[string]bool)
	subjects := make(map[string]bool)
	for _, q := range g.Quads {
		subjects[q.Subject] = true
		if q.Predicate == DCTSource {
			withSource[q.Subject] = true
		}
	}
	for s := range subjects {
		assert.True(t, withSource[s], "node %s has no dct:source", s)
	}

	nq := string(SerializeNQuads(g.Quads))
	assert.Contains(t, nq, "EAR-744.11%28a%29> <"+DCTSource+"> \"ecfr-title15-2026-01-02@sha256:")
}

func TestSerializeNQuadsSortedWithTrailingNewline(t *testing.T) {
	g, err := Emit(testCorpus(t))
	require.NoError(t, err)
	data := SerializeNQuads(g.Quads)
	require.True(t, strings.HasSuffix(string(data), "\n"))

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := 1; i < len(lines); i++ {
		assert.LessOrEqual(t, lines[i-1], lines[i], "lines must be sorted")
	}
}

func TestNQuadsRoundTrip(t *testing.T) {
	g, err := Emit(testCorpus(t))
	require.NoError(t, err)
	data := SerializeNQuads(g.Quads)

	quads, err := ParseNQuads(data)
	require.NoError(t, err)
	assert.Equal(t, data, SerializeNQuads(quads))
}

func TestLiteralEscaping(t *testing.T) {
	q := Quad{
		Subject:   "https://ear.example.org/resource/ear/section/EAR-736.2",
		Predicate: PropText,
		Object:    Literal("line one\nline \"two\"\tend\\"),
	}
	parsed, err := ParseNQuads([]byte(q.nquad() + "\n"))
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, q.Object.Value, parsed[0].Object.Value)
}

func TestWriteAndLoadState(t *testing.T) {
	c := testCorpus(t)
	g, err := Emit(c)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, g.Write(dir, WriteOptions{
		CorpusDigest:    c.Manifest.CorpusDigest,
		SourceDateEpoch: 946684800,
	}))

	state, err := LoadState(dir)
	require.NoError(t, err)
	assert.Equal(t, StateSchemaVersion, state.SchemaVersion)
	assert.Equal(t, c.Manifest.CorpusDigest, state.CorpusDigest)
	assert.Equal(t, g.Digest, state.GraphDigest)
	assert.Equal(t, len(g.Quads), state.QuadCount)
}

func TestLoadStateDetectsTamperedGraph(t *testing.T) {
	c := testCorpus(t)
	g, err := Emit(c)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, g.Write(dir, WriteOptions{CorpusDigest: c.Manifest.CorpusDigest, SourceDateEpoch: 946684800}))

	path := filepath.Join(dir, NQuadsFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "prohibition", "permission", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o640))

	_, err = LoadState(dir)
	assert.True(t, errkind.Is(err, errkind.IntegrityFailure), "want IntegrityFailure, got %v", err)
}

func TestLoadStateRejectsIncompatibleSemver(t *testing.T) {
	c := testCorpus(t)
	g, err := Emit(c)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, g.Write(dir, WriteOptions{CorpusDigest: c.Manifest.CorpusDigest, SourceDateEpoch: 946684800}))

	path := filepath.Join(dir, ".kgstate", "manifest.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	bumped := strings.Replace(string(raw), `"schema_semver":"`+SchemaSemver+`"`, `"schema_semver":"2.0.0"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(bumped), 0o640))

	_, err = LoadState(dir)
	assert.True(t, errkind.Is(err, errkind.InvalidInput))
}

func TestTurtleOutputHasPrefixesAndSortedSubjects(t *testing.T) {
	g, err := Emit(testCorpus(t))
	require.NoError(t, err)
	ttl := string(SerializeTurtle(g.Quads))
	assert.Contains(t, ttl, "@prefix ear: <https://ear.example.org/schema#> .")
	assert.Contains(t, ttl, "ear:text")
	assert.Contains(t, ttl, "rdf:type")
}
