package main

import (
	"bytes"
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

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"earcrawler"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestNoArgsIsUsage(t *testing.T) {
	code, _, stderr := runCLI(t)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Usage")
}

func TestUnknownCommandIsUsage(t *testing.T) {
	code, _, _ := runCLI(t, "frobnicate")
	assert.Equal(t, exitUsage, code)
}

func TestSnapshotValidate(t *testing.T) {
	t.Setenv("EARCRAWLER_ROLES", "reader")
	dir := writeSnapshotFixture(t)

	code, stdout, _ := runCLI(t, "snapshot-validate", "--dir", dir)
	require.Equal(t, exitOK, code, stdout)

	var sum map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &sum))
	assert.Equal(t, true, sum["ok"])
	assert.Equal(t, float64(2), sum["records"])
}

func TestSnapshotValidateBadDirFailsClosed(t *testing.T) {
	t.Setenv("EARCRAWLER_ROLES", "reader")
	code, _, _ := runCLI(t, "snapshot-validate", "--dir", t.TempDir())
	assert.Equal(t, exitUsage, code, "missing manifest is an input error")
}

func TestCorpusBuildDeniedForReader(t *testing.T) {
	t.Setenv("EARCRAWLER_ROLES", "reader")
	dir := writeSnapshotFixture(t)

	code, _, stderr := runCLI(t, "corpus", "build", "--snapshot", dir, "--out", t.TempDir())
	assert.Equal(t, exitDenied, code, stderr)
}

func TestCorpusBuildThenKGEmit(t *testing.T) {
	t.Setenv("EARCRAWLER_ROLES", "operator")
	snapDir := writeSnapshotFixture(t)
	corpusDir := t.TempDir()
	kgDir := t.TempDir()

	code, stdout, stderr := runCLI(t, "corpus", "build", "--snapshot", snapDir, "--out", corpusDir)
	require.Equal(t, exitOK, code, stderr)

	var built map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &built))
	digest, _ := built["corpus_digest"].(string)
	assert.Len(t, digest, 64)

	code, stdout, stderr = runCLI(t, "kg", "emit", "--corpus", corpusDir, "--out", kgDir)
	require.Equal(t, exitOK, code, stderr)

	var emitted map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &emitted))
	assert.Contains(t, emitted["graph_iri"], emitted["kg_digest"])

	// The emitted graph passes its own gates.
	code, stdout, stderr = runCLI(t, "integrity", "check", "--kg", kgDir)
	require.Equal(t, exitOK, code, "%s%s", stdout, stderr)

	// And the query surface resolves legacy spellings.
	code, stdout, _ = runCLI(t, "kg", "query", "--dir", kgDir,
		"--template", "section_text", "--arg", "section_iri=§ 736.2(b)")
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "General prohibition one.")
}

func TestAuditVerifyDetectsTamper(t *testing.T) {
	t.Setenv("EARCRAWLER_ROLES", "reader")
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	ledger, err := audit.Open(path, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := ledger.Append("tester", nil, audit.EventRunStarted, nil)
		require.NoError(t, err)
	}

	code, stdout, _ := runCLI(t, "audit", "verify", "--path", path)
	require.Equal(t, exitOK, code, stdout)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte("run_started"), []byte("run_stopped"), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0o640))

	code, stdout, _ = runCLI(t, "audit", "verify", "--path", path)
	assert.Equal(t, exitIntegrity, code, stdout)
}

func TestPolicyWhoami(t *testing.T) {
	t.Setenv("EARCRAWLER_ACTOR", "analyst")
	t.Setenv("EARCRAWLER_ROLES", "operator")

	code, stdout, _ := runCLI(t, "policy", "whoami")
	require.Equal(t, exitOK, code)

	var who struct {
		Actor   string   `json:"actor"`
		Roles   []string `json:"roles"`
		Allowed []string `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &who))
	assert.Equal(t, "analyst", who.Actor)
	assert.Contains(t, who.Allowed, "corpus.build")
	assert.NotContains(t, who.Allowed, "gc.apply")
}

func TestPolicyTestDeny(t *testing.T) {
	t.Setenv("EARCRAWLER_ROLES", "reader")
	code, stdout, _ := runCLI(t, "policy", "test", "--command", "audit.rotate")
	assert.Equal(t, exitDenied, code, stdout)
}

func TestBundleExportProfiles(t *testing.T) {
	t.Setenv("EARCRAWLER_ROLES", "reader")
	out := t.TempDir()
	code, stdout, _ := runCLI(t, "bundle", "export-profiles", "--out", out)
	require.Equal(t, exitOK, code, stdout)

	for _, name := range []string{"profile_default.yaml", "profile_strict.yaml"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}
}
