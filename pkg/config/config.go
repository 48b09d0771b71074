// Package config declares EarCrawler's static configuration: recognized
// environment variables and YAML-loaded profiles. There are no keyword bags;
// every option is a struct field with a documented default.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// DefaultSourceDateEpoch pins deterministic timestamps when
// SOURCE_DATE_EPOCH is unset: 2000-01-01T00:00:00Z.
const DefaultSourceDateEpoch = 946684800

// Config holds process-wide configuration resolved from the environment.
type Config struct {
	// SourceDateEpoch drives every timestamp written into deterministic
	// artifacts (corpus manifests, KG manifests, provenance nodes).
	SourceDateEpoch int64

	// AllowRecord enables one-shot HTTP recording; without it the cache is
	// offline-only.
	AllowRecord bool

	// StrictSnapshot fails the run on any snapshot drift.
	StrictSnapshot bool

	// TradeGovAPIKey and FacadeAPIKey are resolved from the environment as a
	// fallback; a platform secret store takes precedence when wired in the
	// composition root. Keys never appear in cache keys, logs, or audit
	// payloads.
	TradeGovAPIKey string
	FacadeAPIKey   string

	// RedisAddr enables the shared answer-cache tier and the distributed
	// keyed rate limiter when non-empty.
	RedisAddr string

	// Retrieval holds the active thin-retrieval gating profile.
	Retrieval RetrievalProfile
}

// RetrievalProfile configures the thin-retrieval refusal gate. The gate
// itself is not bypassable; the profile only tunes its thresholds.
type RetrievalProfile struct {
	Name          string  `yaml:"name" json:"name"`
	MinDocs       int     `yaml:"min_docs" json:"min_docs"`
	MinTopScore   float64 `yaml:"min_top_score" json:"min_top_score"`
	MinTotalChars int     `yaml:"min_total_chars" json:"min_total_chars"`
	TopK          int     `yaml:"top_k" json:"top_k"`
	TokenBudget   int     `yaml:"token_budget" json:"token_budget"`
}

// DefaultRetrievalProfile is the gating profile used when none is loaded.
func DefaultRetrievalProfile() RetrievalProfile {
	return RetrievalProfile{
		Name:          "default",
		MinDocs:       1,
		MinTopScore:   0.5,
		MinTotalChars: 200,
		TopK:          8,
		TokenBudget:   3072,
	}
}

// Load resolves configuration from environment variables. An attempt to
// switch the thin-retrieval gate off through the environment is a
// contract violation, not a supported option.
func Load() (*Config, error) {
	cfg := &Config{
		SourceDateEpoch: DefaultSourceDateEpoch,
		AllowRecord:     os.Getenv("ALLOW_RECORD") == "1" || os.Getenv("ALLOW_RECORD") == "true",
		StrictSnapshot:  os.Getenv("STRICT_SNAPSHOT") == "1" || os.Getenv("STRICT_SNAPSHOT") == "true",
		TradeGovAPIKey:  os.Getenv("TRADEGOV_API_KEY"),
		FacadeAPIKey:    os.Getenv("EARCRAWLER_API_KEY"),
		RedisAddr:       os.Getenv("EARCRAWLER_REDIS_ADDR"),
		Retrieval:       DefaultRetrievalProfile(),
	}

	if v := os.Getenv("SOURCE_DATE_EPOCH"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil && epoch >= 0 {
			cfg.SourceDateEpoch = epoch
		}
	}

	if n, ok := envInt("THIN_RETRIEVAL_MIN_DOCS"); ok {
		cfg.Retrieval.MinDocs = n
	}
	if f, ok := envFloat("THIN_RETRIEVAL_MIN_TOP_SCORE"); ok {
		cfg.Retrieval.MinTopScore = f
	}
	if n, ok := envInt("THIN_RETRIEVAL_MIN_TOTAL_CHARS"); ok {
		cfg.Retrieval.MinTotalChars = n
	}

	// Recognized so a bypass attempt fails loudly instead of being
	// silently honored. Only affirming values are accepted.
	if v := os.Getenv("REFUSE_ON_THIN_RETRIEVAL"); v != "" && v != "1" && v != "true" {
		return nil, errkind.New(errkind.ContractViolation, "config.load",
			"REFUSE_ON_THIN_RETRIEVAL cannot disable the thin-retrieval gate")
	}

	return cfg, nil
}

// Epoch returns SourceDateEpoch as a UTC time.
func (c *Config) Epoch() time.Time {
	return time.Unix(c.SourceDateEpoch, 0).UTC()
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
