package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	// Must not panic or record anything.
	p.RecordQuery(context.Background(), "permitted", false, time.Millisecond)
	p.RecordRefusal(context.Background(), "thin_retrieval")

	snap, err := p.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", snap.Status)
	assert.Empty(t, snap.Counters)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestCountersFeedHealthSnapshot(t *testing.T) {
	p, err := New(context.Background(), &Config{
		ServiceName:    "earcrawler",
		ServiceVersion: "test",
		Enabled:        true,
	})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	p.RecordQuery(ctx, "license_required", false, 12*time.Millisecond)
	p.RecordQuery(ctx, "license_required", true, time.Millisecond)
	p.RecordRefusal(ctx, "thin_retrieval")
	p.RecordGateFailure(ctx, "shapes")

	snap, err := p.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, int64(2), snap.Counters["earcrawler.queries.total"])
	assert.Equal(t, int64(1), snap.Counters["earcrawler.refusals.total"])
	assert.Equal(t, int64(1), snap.Counters["earcrawler.cache.hits"])
	assert.Equal(t, int64(1), snap.Counters["earcrawler.gates.failures"])
}

func TestSpoolRedactsSensitiveAttributes(t *testing.T) {
	dir := t.TempDir()
	p, err := New(context.Background(), &Config{
		ServiceName: "earcrawler",
		Enabled:     true,
		SpoolDir:    dir,
	})
	require.NoError(t, err)

	require.NoError(t, p.spool.Append("query", map[string]any{
		"user_email": "analyst@example.com",
		"API_KEY":    "tg-secret-123",
		"label":      "permitted",
	}))
	require.NoError(t, p.Shutdown(context.Background()))

	raw, err := os.ReadFile(p.spool.Path())
	require.NoError(t, err)
	line := string(raw)
	assert.NotContains(t, line, "analyst@example.com")
	assert.NotContains(t, line, "tg-secret-123")
	assert.Contains(t, line, "permitted")

	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line)), &event))
	assert.Equal(t, "query", event["event"])
}

func TestRunCanaryReportsFailures(t *testing.T) {
	probes := []Probe{
		{Name: "health", Run: func(ctx context.Context) error { return nil }},
		{Name: "index", Run: func(ctx context.Context) error { return errors.New("stale sidecar") }},
	}
	report := RunCanary(context.Background(), probes, time.Second)
	assert.False(t, report.OK)
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].OK)
	assert.False(t, report.Results[1].OK)
	assert.Contains(t, report.Results[1].Detail, "stale")
}

func TestRunCanaryHonoursTimeout(t *testing.T) {
	probes := []Probe{{Name: "slow", Run: func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	}}}
	start := time.Now()
	report := RunCanary(context.Background(), probes, 20*time.Millisecond)
	assert.False(t, report.OK)
	assert.Less(t, time.Since(start), time.Second)
}
