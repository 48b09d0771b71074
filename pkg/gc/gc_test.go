package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/errkind"
)

func writeAged(t *testing.T, path string, size int, age time.Duration, now time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o640))
	mt := now.Add(-age)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func testEngine(t *testing.T, now time.Time) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	ledger, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), nil)
	require.NoError(t, err)
	return &Engine{Root: root, Ledger: ledger, Actor: "ops", Clock: func() time.Time { return now }}, root
}

func TestPlanRejectsOutOfWhitelistTarget(t *testing.T) {
	e, _ := testEngine(t, time.Now())
	_, err := e.Plan(&Policy{Targets: []Target{{Path: "snapshots", MaxAgeDays: 1}}})
	assert.True(t, errkind.Is(err, errkind.AuthorizationDenied), "got %v", err)
}

func TestPlanRejectsTraversal(t *testing.T) {
	e, _ := testEngine(t, time.Now())
	_, err := e.Plan(&Policy{Targets: []Target{{Path: "kg/../secrets", MaxAgeDays: 1}}})
	assert.True(t, errkind.Is(err, errkind.AuthorizationDenied))
}

func TestPlanAgesOutOldFiles(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e, root := testEngine(t, now)
	writeAged(t, filepath.Join(root, "spool", "old.jsonl"), 10, 40*24*time.Hour, now)
	writeAged(t, filepath.Join(root, "spool", "new.jsonl"), 10, time.Hour, now)

	plan, err := e.Plan(&Policy{Targets: []Target{{Path: "spool", MaxAgeDays: 30}}})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Contains(t, plan.Actions[0].Path, "old.jsonl")
	assert.Equal(t, int64(10), plan.TotalBytes)
}

func TestKeepLastProtectsNewest(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e, root := testEngine(t, now)
	for i, age := range []time.Duration{100, 200, 300, 400} {
		writeAged(t, filepath.Join(root, "runs", "run", string(rune('a'+i))), 10, age*24*time.Hour, now)
	}

	plan, err := e.Plan(&Policy{Targets: []Target{{Path: "runs", MaxAgeDays: 1, KeepLast: 2}}})
	require.NoError(t, err)
	assert.Len(t, plan.Actions, 2, "keep_last must protect the two newest")
}

func TestMaxTotalBytesEvictsOldestFirst(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e, root := testEngine(t, now)
	writeAged(t, filepath.Join(root, ".cache", "api", "aa"), 100, 3*time.Hour, now)
	writeAged(t, filepath.Join(root, ".cache", "api", "bb"), 100, 2*time.Hour, now)
	writeAged(t, filepath.Join(root, ".cache", "api", "cc"), 100, time.Hour, now)

	plan, err := e.Plan(&Policy{Targets: []Target{{Path: ".cache/api", MaxTotalBytes: 250}}})
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Contains(t, plan.Actions[0].Path, "aa")
}

func TestApplyDeletesAndAudits(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	e, root := testEngine(t, now)
	victim := filepath.Join(root, "spool", "old.jsonl")
	writeAged(t, victim, 10, 40*24*time.Hour, now)

	plan, err := e.Plan(&Policy{Targets: []Target{{Path: "spool", MaxAgeDays: 30}}})
	require.NoError(t, err)
	require.NoError(t, e.Apply(plan))

	_, err = os.Stat(victim)
	assert.True(t, os.IsNotExist(err))
	assert.True(t, plan.Applied)

	report, err := audit.Verify(e.Ledger.Path(), nil)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Entries)
}

func TestApplyRefusesDoctoredPlan(t *testing.T) {
	e, _ := testEngine(t, time.Now())
	outside := filepath.Join(t.TempDir(), "precious.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o640))

	err := e.Apply(&Plan{Actions: []Action{{Path: outside, Size: 1}}})
	assert.True(t, errkind.Is(err, errkind.AuthorizationDenied))
	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr, "file outside the whitelist must survive")
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
targets:
  - path: spool
    max_age_days: 30
  - path: .cache/api
    max_total_bytes: 1048576
    keep_last: 5
`), 0o640))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	require.Len(t, p.Targets, 2)
	assert.Equal(t, 30, p.Targets[0].MaxAgeDays)
	assert.Equal(t, int64(1048576), p.Targets[1].MaxTotalBytes)
}

func TestLoadPolicyRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets: []\n"), 0o640))
	_, err := LoadPolicy(path)
	assert.True(t, errkind.Is(err, errkind.InvalidInput))
}
