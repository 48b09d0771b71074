// Package httpcache provides the offline-default HTTP layer: a
// content-addressed disk cache of recorded responses, with a resilient
// client that may fill the cache once per key when recording is enabled.
package httpcache

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// redactedHeaders never enter key derivation or cache envelopes.
var redactedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"api-key":             true,
	"subscription-key":    true,
	"cookie":              true,
}

// Key derives the content address for a request:
// sha256(method \n url \n sorted canonical headers \n body).
// Secret-bearing headers are excluded so keys are shareable.
func Key(method, url string, headers http.Header, body []byte) string {
	var lines []string
	for name, values := range headers {
		lower := strings.ToLower(name)
		if redactedHeaders[lower] {
			continue
		}
		sorted := append([]string(nil), values...)
		sort.Strings(sorted)
		lines = append(lines, lower+":"+strings.Join(sorted, ","))
	}
	sort.Strings(lines)

	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", strings.ToUpper(method), url, strings.Join(lines, "\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Envelope is the stored form of a recorded response.
type Envelope struct {
	Status     int                 `json:"status"`
	Headers    map[string][]string `json:"headers"`
	BodyB64    string              `json:"body_b64"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// Cache is a content-addressed response store on disk. Entries live at
// <root>/<key[:2]>/<key>.json so retention sweeps can walk them cheaply.
type Cache struct {
	root string
}

// NewCache creates the cache rooted at dir.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("httpcache: create root: %w", err)
	}
	return &Cache{root: dir}, nil
}

// Root returns the cache directory, exposed for retention sweeps.
func (c *Cache) Root() string { return c.root }

// Get loads the envelope for key; ok is false on miss.
func (c *Cache) Get(key string) (*Envelope, bool, error) {
	data, err := os.ReadFile(c.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("httpcache: read entry: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("httpcache: decode entry %s: %w", key[:8], err)
	}
	return &env, true, nil
}

// Put stores a response under key. Secret-bearing headers are dropped from
// the envelope the same way they are dropped from key derivation.
func (c *Cache) Put(key string, status int, headers http.Header, body []byte, recordedAt time.Time) error {
	clean := make(map[string][]string, len(headers))
	for name, values := range headers {
		if redactedHeaders[strings.ToLower(name)] {
			continue
		}
		clean[name] = values
	}
	env := Envelope{
		Status:     status,
		Headers:    clean,
		BodyB64:    base64.StdEncoding.EncodeToString(body),
		RecordedAt: recordedAt.UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	path := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("httpcache: create shard: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("httpcache: write entry: %w", err)
	}
	return os.Rename(tmp, path)
}

// Response materializes an http.Response from a stored envelope.
func (e *Envelope) Response(req *http.Request) (*http.Response, error) {
	body, err := base64.StdEncoding.DecodeString(e.BodyB64)
	if err != nil {
		return nil, fmt.Errorf("httpcache: decode body: %w", err)
	}
	header := make(http.Header, len(e.Headers))
	for name, values := range e.Headers {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	return &http.Response{
		StatusCode:    e.Status,
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(string(body))),
		ContentLength: int64(len(body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}, nil
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.root, key[:2], key+".json")
}
