package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/snapshot"
)

const testEpoch = 946684800

func writeSnapshotFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	lines := []string{
		`{"section_id":"EAR-736.2(b)","text":"General prohibition one."}`,
		`{"section_id":"EAR-744.11(a)","text":"License requirements for entities."}`,
	}
	var payload []byte
	for _, l := range lines {
		payload = append(payload, []byte(l+"\n")...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.jsonl"), payload, 0o640))

	sum := sha256.Sum256(payload)
	manifest := map[string]any{
		"manifest_version": snapshot.ManifestVersion,
		"snapshot_id":      "ecfr-title15-2026-01-02",
		"created_at":       "2026-01-02T00:00:00Z",
		"source": map[string]any{
			"owner":       "trade-compliance",
			"upstream":    "https://www.ecfr.gov/api/versioner/v1",
			"approved_by": "maintainer",
			"approved_at": "2026-01-02T00:00:00Z",
		},
		"scope": map[string]any{
			"titles": []int{15},
			"parts":  []string{"736", "744"},
		},
		"payload": map[string]any{
			"path":       "snapshot.jsonl",
			"sha256":     hex.EncodeToString(sum[:]),
			"size_bytes": len(payload),
		},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o640))
	return dir
}

func writeDataset(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	var raw []byte
	for _, l := range lines {
		raw = append(raw, []byte(l+"\n")...)
	}
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func stepStatuses(sum *Summary) map[string]string {
	out := make(map[string]string, len(sum.Steps))
	for _, s := range sum.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func TestRunFullPipeline(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "audit.jsonl")
	ledger, err := audit.Open(ledgerPath, nil)
	require.NoError(t, err)

	dataset := writeDataset(t,
		`{"id":"q1","question":"Is export permitted?","expected_label":"permitted","ear_sections":["EAR-736.2(b)"]}`,
	)
	runner, err := New(Config{
		SnapshotDir:     writeSnapshotFixture(t),
		OutDir:          t.TempDir(),
		DatasetPath:     dataset,
		SourceDateEpoch: testEpoch,
		Ledger:          ledger,
		Actor:           "ci",
		Roles:           []string{"operator"},
	})
	require.NoError(t, err)

	sum := runner.Run(context.Background())
	require.Equal(t, ExitOK, sum.ExitCode, "%+v", sum.Steps)

	statuses := stepStatuses(sum)
	for _, name := range []string{
		"snapshot-validate", "corpus-build", "corpus-validate",
		"kg-emit", "kg-validate", "baseline-compare",
		"index-rebuild", "eval-harness",
	} {
		assert.Equal(t, StatusOK, statuses[name], name)
	}

	assert.Contains(t, sum.Provenance["snapshot"], "ecfr-title15-2026-01-02@sha256:")
	assert.Len(t, sum.Provenance["corpus_digest"], 64)
	assert.Contains(t, sum.Provenance["graph_iri"], sum.Provenance["kg_digest"])
	assert.Equal(t, "hash-projection-v1", sum.Provenance["embedding_model"])
	assert.Equal(t, "1", sum.Provenance["eval_cases"])

	report, verr := audit.Verify(ledgerPath, nil)
	require.NoError(t, verr)
	require.True(t, report.OK)

	events := make(map[string]bool)
	for _, e := range report.Entries {
		events[e.Event] = true
	}
	for _, want := range []string{
		audit.EventRunStarted,
		audit.EventSnapshotSelected,
		audit.EventIndexSelected,
		audit.EventRemoteLLMDecision,
	} {
		assert.True(t, events[want], want)
	}
}

func TestRunShortCircuitsOnSnapshotFailure(t *testing.T) {
	runner, err := New(Config{
		SnapshotDir:     t.TempDir(), // no manifest inside
		OutDir:          t.TempDir(),
		SourceDateEpoch: testEpoch,
	})
	require.NoError(t, err)

	sum := runner.Run(context.Background())
	assert.Equal(t, ExitUsage, sum.ExitCode)

	statuses := stepStatuses(sum)
	assert.Equal(t, StatusFailed, statuses["snapshot-validate"])
	for _, name := range []string{
		"corpus-build", "corpus-validate", "kg-emit",
		"kg-validate", "baseline-compare", "index-rebuild", "eval-harness",
	} {
		assert.Equal(t, StatusSkipped, statuses[name], name)
	}
}

func TestRunFailsOnUngroundedDataset(t *testing.T) {
	dataset := writeDataset(t,
		`{"id":"q1","question":"x","expected_label":"permitted","ear_sections":["EAR-999.999"]}`,
	)
	runner, err := New(Config{
		SnapshotDir:     writeSnapshotFixture(t),
		OutDir:          t.TempDir(),
		DatasetPath:     dataset,
		SourceDateEpoch: testEpoch,
	})
	require.NoError(t, err)

	sum := runner.Run(context.Background())
	assert.Equal(t, ExitIntegrity, sum.ExitCode)
	assert.Equal(t, StatusFailed, stepStatuses(sum)["eval-harness"])
}

func TestNewRejectsMissingDirs(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestRunIsDeterministicAcrossRuns(t *testing.T) {
	snapDir := writeSnapshotFixture(t)

	digests := make([]string, 2)
	for i := range digests {
		runner, err := New(Config{
			SnapshotDir:     snapDir,
			OutDir:          t.TempDir(),
			SourceDateEpoch: testEpoch,
		})
		require.NoError(t, err)
		sum := runner.Run(context.Background())
		require.Equal(t, ExitOK, sum.ExitCode, "%+v", sum.Steps)
		digests[i] = sum.Provenance["kg_digest"]
	}
	assert.Equal(t, digests[0], digests[1])
}
