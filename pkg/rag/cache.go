package rag

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/earcrawler/earcrawler/pkg/canonicalize"
)

// cacheTTL bounds Redis-tier entries; the in-memory tier lives for the
// process. Answers are deterministic for a fixed key, so staleness only
// matters across artifact rebuilds, which change the key.
const cacheTTL = 24 * time.Hour

// CacheKey derives the answer-cache key. Everything that can change the
// answer is in it; the caller's identity and credentials never are.
func CacheKey(question, kgDigest, indexDigest, model, profile string, topK int) (string, error) {
	data, err := canonicalize.JCS(map[string]any{
		"question":     normalizeQuestion(question),
		"kg_digest":    kgDigest,
		"index_digest": indexDigest,
		"model":        model,
		"profile":      profile,
		"top_k":        topK,
	})
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(data), nil
}

// normalizeQuestion collapses whitespace and case so trivially restated
// questions share a cache entry.
func normalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// answerCache is a two-tier cache: always in-memory, optionally Redis.
type answerCache struct {
	mu    sync.RWMutex
	local map[string][]byte
	rdb   *redis.Client
}

func newAnswerCache(rdb *redis.Client) *answerCache {
	return &answerCache{local: make(map[string][]byte), rdb: rdb}
}

func (c *answerCache) get(ctx context.Context, key string) (*Answer, bool) {
	c.mu.RLock()
	raw, ok := c.local[key]
	c.mu.RUnlock()

	if !ok && c.rdb != nil {
		data, err := c.rdb.Get(ctx, "rag:answer:"+key).Bytes()
		if err == nil {
			raw, ok = data, true
			c.mu.Lock()
			c.local[key] = data
			c.mu.Unlock()
		}
	}
	if !ok {
		return nil, false
	}
	var a Answer
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false
	}
	return &a, true
}

func (c *answerCache) put(ctx context.Context, key string, a *Answer) {
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	c.mu.Lock()
	c.local[key] = raw
	c.mu.Unlock()
	if c.rdb != nil {
		// Best effort; a miss next time just recomputes.
		c.rdb.Set(ctx, "rag:answer:"+key, raw, cacheTTL)
	}
}
