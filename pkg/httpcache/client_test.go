package httpcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

func TestKeyExcludesSecretsAndSortsHeaders(t *testing.T) {
	h1 := http.Header{}
	h1.Set("Accept", "application/json")
	h1.Set("Authorization", "Bearer secret-a")

	h2 := http.Header{}
	h2.Set("Accept", "application/json")
	h2.Set("Authorization", "Bearer totally-different")

	url := "https://api.trade.gov/consolidated_screening_list/search"
	assert.Equal(t, Key("GET", url, h1, nil), Key("GET", url, h2, nil))
	assert.NotEqual(t, Key("GET", url, h1, nil), Key("POST", url, h1, nil))
	assert.NotEqual(t, Key("GET", url, h1, nil), Key("GET", url, h1, []byte("x")))
}

func TestOfflineMissFailsClosed(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	client := NewClient(cache, Options{AllowRecord: false})

	req, _ := http.NewRequest(http.MethodGet, "https://www.federalregister.gov/api/v1/documents", nil)
	_, err = client.Do(context.Background(), req)
	assert.True(t, errkind.Is(err, errkind.Upstream))
}

func TestRecordOnceThenReplay(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":1}`))
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	client := NewClient(cache, Options{AllowRecord: true})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/documents", nil)
	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"count":1}`, string(body))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// Replays come from the cache even with recording still enabled.
	req2, _ := http.NewRequest(http.MethodGet, srv.URL+"/documents", nil)
	resp2, err := client.Do(context.Background(), req2)
	require.NoError(t, err)
	body2, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, `{"count":1}`, string(body2))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	// An offline client sees the same recording.
	offline := NewClient(cache, Options{AllowRecord: false})
	req3, _ := http.NewRequest(http.MethodGet, srv.URL+"/documents", nil)
	resp3, err := offline.Do(context.Background(), req3)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}

func TestRetriesServerErrorsNotClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	client := NewClient(cache, Options{AllowRecord: true, BaseBackoff: time.Millisecond})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/flaky", nil)
	resp, err := client.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestNoRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	client := NewClient(cache, Options{AllowRecord: true, BaseBackoff: time.Millisecond})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/missing", nil)
	_, err = client.Do(context.Background(), req)
	assert.True(t, errkind.Is(err, errkind.Upstream))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEnvelopeDropsSecretHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	cache, err := NewCache(dir)
	require.NoError(t, err)
	client := NewClient(cache, Options{AllowRecord: true})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer sk-secret")
	_, err = client.Do(context.Background(), req)
	require.NoError(t, err)

	key := Key(http.MethodGet, srv.URL, req.Header, nil)
	env, hit, err := cache.Get(key)
	require.NoError(t, err)
	require.True(t, hit)
	for name := range env.Headers {
		assert.NotEqual(t, "authorization", name)
	}
}

func TestBackoffHonoursCancellation(t *testing.T) {
	cache, err := NewCache(t.TempDir())
	require.NoError(t, err)
	client := NewClient(cache, Options{AllowRecord: true, BaseBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.backoff(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
