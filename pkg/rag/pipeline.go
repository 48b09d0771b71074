package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/config"
	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/index"
	"github.com/earcrawler/earcrawler/pkg/sparql"
)

// Retriever produces scored hits for a query. *index.Index satisfies it
// through IndexRetriever; tests substitute fixtures.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]index.Hit, error)
}

// IndexRetriever binds an open index to its embedder.
type IndexRetriever struct {
	Index    *index.Index
	Embedder index.Embedder
}

func (r IndexRetriever) Search(ctx context.Context, query string, topK int) ([]index.Hit, error) {
	return r.Index.Search(ctx, r.Embedder, query, topK)
}

// Engine is the RAG pipeline.
type Engine struct {
	retriever Retriever
	provider  Provider
	model     string
	profile   config.RetrievalProfile
	grounding *grounding
	kg        *sparql.Engine
	kgDigest  string
	ixDigest  string
	cache     *answerCache
	group     singleflight.Group
	ledger    *audit.Ledger
	actor     string
}

// Options wires an Engine.
type Options struct {
	Retriever   Retriever
	Provider    Provider
	Model       string
	Profile     config.RetrievalProfile
	Corpus      *corpus.Corpus
	KG          *sparql.Engine // optional lineage expansion
	KGDigest    string
	IndexDigest string
	Redis       *redis.Client // optional shared cache tier
	Ledger      *audit.Ledger
	Actor       string
}

// New builds an Engine. Corpus, Retriever and Provider are required.
func New(opts Options) (*Engine, error) {
	const op = "rag.new"
	if opts.Retriever == nil || opts.Provider == nil || opts.Corpus == nil {
		return nil, errkind.New(errkind.InvalidInput, op, "retriever, provider and corpus are required")
	}
	profile := opts.Profile
	if profile.Name == "" {
		profile = config.DefaultRetrievalProfile()
	}
	return &Engine{
		retriever: opts.Retriever,
		provider:  opts.Provider,
		model:     opts.Model,
		profile:   profile,
		grounding: newGrounding(opts.Corpus.Documents),
		kg:        opts.KG,
		kgDigest:  opts.KGDigest,
		ixDigest:  opts.IndexDigest,
		cache:     newAnswerCache(opts.Redis),
		ledger:    opts.Ledger,
		actor:     opts.Actor,
	}, nil
}

// Query answers a question. Identical questions against identical
// artifacts share one computation via singleflight and then hit the
// cache; a refusal is an answer, not an error.
func (e *Engine) Query(ctx context.Context, question string) (*Answer, error) {
	const op = "rag.query"
	if strings.TrimSpace(question) == "" {
		return nil, errkind.New(errkind.InvalidInput, op, "empty question")
	}

	key, err := CacheKey(question, e.kgDigest, e.ixDigest, e.model, e.profile.Name, e.profile.TopK)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, op, err)
	}
	if a, ok := e.cache.get(ctx, key); ok {
		a.Cached = true
		return a, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		a, err := e.answer(ctx, question)
		if err != nil {
			return nil, err
		}
		e.cache.put(ctx, key, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Answer), nil
}

func (e *Engine) answer(ctx context.Context, question string) (*Answer, error) {
	const op = "rag.answer"

	hits, err := e.retriever.Search(ctx, question, e.profile.TopK)
	if err != nil {
		return nil, errkind.Wrap(errkind.Upstream, op, err)
	}

	if reason, thin := thinRetrieval(hits, e.profile.MinDocs, e.profile.MinTopScore, e.profile.MinTotalChars); thin {
		a := &Answer{
			AnswerLabel:   LabelUnanswerable,
			AnswerText:    "The corpus does not contain enough material to answer this question.",
			Rationale:     reason,
			Grounded:      false,
			Refused:       true,
			RefusalReason: RefusalThinRetrieval,
		}
		e.audit(audit.EventQueryRefused, question, map[string]any{
			"refusal_reason": RefusalThinRetrieval,
			"detail":         reason,
		})
		return a, nil
	}

	resp, err := e.provider.Chat(ctx, ChatRequest{
		Model: e.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(question, hits, e.profile.TokenBudget)},
		},
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.Upstream, op, err)
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, errkind.New(errkind.ContractViolation, op, "model output is not valid JSON")
	}

	a, err := finalize(&out, e.grounding)
	if err != nil {
		return nil, err
	}
	e.expandLineage(a)

	e.audit(audit.EventQueryAnswered, question, map[string]any{
		"answer_label": a.AnswerLabel,
		"citations":    len(a.EARSections),
		"confidence":   a.Confidence,
	})
	return a, nil
}

// expandLineage resolves provenance for each grounded citation through
// the allowlisted lineage template. Best effort: a section the graph
// does not know simply carries no lineage.
func (e *Engine) expandLineage(a *Answer) {
	if e.kg == nil || len(a.EARSections) == 0 {
		return
	}
	lineage := make(map[string]Lineage)
	for _, id := range a.EARSections {
		rows, err := e.kg.Query("lineage", map[string]string{"section_iri": id})
		if err != nil || len(rows) == 0 {
			continue
		}
		lineage[id] = Lineage{
			DerivedFrom: rows[0]["derived_from"].Value,
			Issued:      rows[0]["issued"].Value,
		}
	}
	if len(lineage) > 0 {
		a.Lineage = lineage
	}
}

// audit records a query event. The question itself never enters the
// ledger; a short hash stands in for correlation.
func (e *Engine) audit(event, question string, payload map[string]any) {
	if e.ledger == nil {
		return
	}
	sum := sha256.Sum256([]byte(normalizeQuestion(question)))
	payload["question_hash"] = hex.EncodeToString(sum[:8])
	payload["profile"] = e.profile.Name
	_, _ = e.ledger.Append(e.actor, nil, event, payload)
}
