package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/earcrawler/earcrawler/pkg/httpcache"
)

func newReplayClient(t *testing.T, handler http.HandlerFunc) (*httpcache.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cache, err := httpcache.NewCache(t.TempDir())
	require.NoError(t, err)
	return httpcache.NewClient(cache, httpcache.Options{AllowRecord: true}), srv
}

func TestFederalRegisterSearch(t *testing.T) {
	client, srv := newReplayClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, url.QueryEscape("Export Administration Regulations"))
		w.Write([]byte(`{"results":[{"document_number":"2024-01234","title":"Revisions to the EAR","type":"Rule"}]}`))
	})

	fr := NewFederalRegisterClient(client)
	fr.baseURL = srv.URL

	docs, err := fr.SearchEAR(context.Background(), "736", 20)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "2024-01234", docs[0].DocumentNumber)
}

func TestCSLSearchSendsKeyButNeverCachesIt(t *testing.T) {
	var gotKey string
	client, srv := newReplayClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("subscription-key")
		w.Write([]byte(`{"results":[{"id":"e1","name":"Test Entity","source":"EL"}]}`))
	})

	csl := NewCSLClient(client, "tg-key-abcdef")
	csl.baseURL = srv.URL

	entities, err := csl.Search(context.Background(), "Test", 10)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Test Entity", entities[0].Name)
	assert.Equal(t, "tg-key-abcdef", gotKey)

	// A client configured with a different key replays the same recording:
	// the key is not part of the cache address.
	other := NewCSLClient(client, "another-key")
	other.baseURL = srv.URL
	entities, err = other.Search(context.Background(), "Test", 10)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}
