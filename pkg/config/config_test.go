package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "")
	t.Setenv("ALLOW_RECORD", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultSourceDateEpoch), cfg.SourceDateEpoch)
	assert.False(t, cfg.AllowRecord)
	assert.Equal(t, 0.5, cfg.Retrieval.MinTopScore)
	assert.Equal(t, "2000-01-01T00:00:00Z", cfg.Epoch().Format("2006-01-02T15:04:05Z07:00"))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")
	t.Setenv("ALLOW_RECORD", "1")
	t.Setenv("THIN_RETRIEVAL_MIN_DOCS", "3")
	t.Setenv("THIN_RETRIEVAL_MIN_TOP_SCORE", "0.9")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), cfg.SourceDateEpoch)
	assert.True(t, cfg.AllowRecord)
	assert.Equal(t, 3, cfg.Retrieval.MinDocs)
	assert.Equal(t, 0.9, cfg.Retrieval.MinTopScore)
}

func TestLoadRejectsThinGateBypass(t *testing.T) {
	t.Setenv("REFUSE_ON_THIN_RETRIEVAL", "false")
	_, err := Load()
	assert.True(t, errkind.Is(err, errkind.ContractViolation), "got %v", err)

	// Affirming values are accepted.
	t.Setenv("REFUSE_ON_THIN_RETRIEVAL", "1")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoadRetrievalProfile(t *testing.T) {
	dir := t.TempDir()
	body := []byte("name: ci\nmin_docs: 2\nmin_top_score: 0.8\nmin_total_chars: 400\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_ci.yaml"), body, 0o600))

	p, err := LoadRetrievalProfile(dir, "CI")
	require.NoError(t, err)
	assert.Equal(t, "ci", p.Name)
	assert.Equal(t, 2, p.MinDocs)
	assert.Equal(t, 0.8, p.MinTopScore)
	// Unset fields keep defaults.
	assert.Equal(t, 8, p.TopK)
}

func TestLoadRetrievalProfileHasNoRefusalSwitch(t *testing.T) {
	dir := t.TempDir()
	body := []byte("name: lax\nrefuse_on_thin: false\nmin_docs: 2\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_lax.yaml"), body, 0o600))

	// Unknown keys are ignored; a profile can tune thresholds but cannot
	// switch the refusal gate off.
	p, err := LoadRetrievalProfile(dir, "lax")
	require.NoError(t, err)
	assert.Equal(t, 2, p.MinDocs)
}

func TestLoadRetrievalProfileRejectsBadThresholds(t *testing.T) {
	dir := t.TempDir()
	body := []byte("name: bad\nmin_top_score: 1.5\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_bad.yaml"), body, 0o600))
	_, err := LoadRetrievalProfile(dir, "bad")
	assert.Error(t, err)
}

func TestLoadAllRetrievalProfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_a.yaml"), []byte("min_docs: 1\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_b.yaml"), []byte("min_docs: 2\n"), 0o600))

	all, err := LoadAllRetrievalProfiles(dir)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 2, all["b"].MinDocs)
}
