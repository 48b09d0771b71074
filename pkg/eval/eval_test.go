package eval

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/rag"
	"github.com/earcrawler/earcrawler/pkg/snapshot"
)

func testCorpus(t *testing.T) *corpus.Corpus {
	t.Helper()
	snap := &snapshot.Snapshot{
		Records: []snapshot.Record{
			{SectionID: "EAR-736.2(b)", Text: "General prohibition one."},
			{SectionID: "EAR-744.11(a)", Text: "License requirements apply."},
		},
		PayloadSHA256: "aaaabbbbccccddddeeeeffff0000111122223333444455556666777788889999",
	}
	snap.Manifest.SnapshotID = "ecfr-title15-2026-01-02"
	c, err := corpus.Build(snap, corpus.BuildOptions{SourceDateEpoch: 946684800})
	require.NoError(t, err)
	return c
}

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestLoadDataset(t *testing.T) {
	path := writeDataset(t,
		`{"id":"q1","question":"Is export permitted?","expected_label":"permitted","ear_sections":["EAR-736.2(b)"],"fr_ids":["FR-1","FR-2"]}`,
		`{"id":"q2","question":"Is a license required?","expected_label":"license_required","fr_ids":["FR-3"]}`,
	)
	ds, err := LoadDataset(path)
	require.NoError(t, err)
	require.Len(t, ds.Cases, 2)
	assert.Equal(t, "q1", ds.Cases[0].ID)
	assert.Equal(t, []string{"EAR-736.2(b)"}, ds.Cases[0].EARSections)
}

func TestLoadDatasetRejectsDuplicateID(t *testing.T) {
	path := writeDataset(t,
		`{"id":"q1","question":"a","expected_label":"permitted"}`,
		`{"id":"q1","question":"b","expected_label":"prohibited"}`,
	)
	_, err := LoadDataset(path)
	require.Error(t, err)
	assert.Equal(t, errkind.Conflict, errkind.KindOf(err))
}

func TestLoadDatasetRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))
	_, err := LoadDataset(path)
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidInput, errkind.KindOf(err))
}

func TestFRCoverage(t *testing.T) {
	ds := &Dataset{Cases: []Case{
		{ID: "q1", Question: "a", FRIDs: []string{"FR-1", "FR-2"}},
		{ID: "q2", Question: "b", FRIDs: []string{"FR-2"}},
	}}

	rep := FRCoverage(ds, []string{"FR-1", "FR-2", "FR-3"})
	assert.False(t, rep.OK)
	assert.Equal(t, []string{"FR-1", "FR-2"}, rep.Covered)
	assert.Equal(t, []string{"FR-3"}, rep.Missing)

	rep = FRCoverage(ds, []string{"FR-1", "FR-2"})
	assert.True(t, rep.OK)
	assert.Empty(t, rep.Missing)
}

func TestCheckGroundingResolvesLegacySpellings(t *testing.T) {
	c := testCorpus(t)
	ds := &Dataset{Cases: []Case{
		{ID: "q1", Question: "a", EARSections: []string{"§ 736.2(b)", "EAR-744.11(a)"}},
	}}

	rep := CheckGrounding(c, ds)
	assert.True(t, rep.OK, "%+v", rep.Failures)
	assert.Equal(t, 2, rep.Checked)
}

func TestCheckGroundingFlagsUnresolvable(t *testing.T) {
	c := testCorpus(t)
	ds := &Dataset{Cases: []Case{
		{ID: "q1", Question: "a", EARSections: []string{"EAR-999.999", "not an id"}},
	}}

	rep := CheckGrounding(c, ds)
	require.False(t, rep.OK)
	require.Len(t, rep.Failures, 2)
	assert.Equal(t, "no retrieval document with this doc_id", rep.Failures[0].Reason)
	assert.Equal(t, "not a canonical section id", rep.Failures[1].Reason)
}

type scriptedAnswerer struct {
	answers map[string]*rag.Answer
}

func (s scriptedAnswerer) Query(_ context.Context, q string) (*rag.Answer, error) {
	if a, ok := s.answers[q]; ok {
		return a, nil
	}
	return &rag.Answer{
		AnswerLabel:   rag.LabelUnanswerable,
		Refused:       true,
		RefusalReason: rag.RefusalThinRetrieval,
	}, nil
}

func TestRunRAGScoresLabels(t *testing.T) {
	eng := scriptedAnswerer{answers: map[string]*rag.Answer{
		"q-permitted": {AnswerLabel: rag.LabelPermitted},
		"q-wrong":     {AnswerLabel: rag.LabelProhibited},
	}}
	ds := &Dataset{Name: "fixture", Cases: []Case{
		{ID: "c1", Question: "q-permitted", ExpectedLabel: rag.LabelPermitted},
		{ID: "c2", Question: "q-wrong", ExpectedLabel: rag.LabelPermitted},
		{ID: "c3", Question: "q-unseen", ExpectedLabel: rag.LabelUnanswerable},
	}}

	rep := RunRAG(context.Background(), eng, ds)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.Answered)
	assert.Equal(t, 1, rep.Refused)
	assert.Equal(t, 2, rep.Matches)
	assert.InDelta(t, 2.0/3.0, rep.Accuracy, 1e-9)
	assert.True(t, rep.Cases[2].Match, "refusal matches an unanswerable expectation")
}
