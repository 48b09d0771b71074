package facade

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/index"
	"github.com/earcrawler/earcrawler/pkg/policy"
	"github.com/earcrawler/earcrawler/pkg/rag"
	"github.com/earcrawler/earcrawler/pkg/sparql"
)

// Request limits. These are hard service properties, not tunables.
const (
	maxBodyBytes   = 32 << 10
	requestTimeout = 5 * time.Second
	maxInFlight    = 16

	anonRPM    = 30
	anonBurst  = 10
	keyedRPM   = 120
	keyedBurst = 20
)

// QueryEngine answers RAG queries; *rag.Engine satisfies it.
type QueryEngine interface {
	Query(ctx context.Context, question string) (*rag.Answer, error)
}

// Searcher produces retrieval hits; rag.IndexRetriever satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]index.Hit, error)
}

// Config wires the server.
type Config struct {
	APIKey    string // empty disables keyed access via X-Api-Key
	JWTSecret []byte // empty disables bearer tokens
	Limiter   Limiter
	// Health is called for /health; nil yields a static ok.
	Health func(ctx context.Context) (any, error)
}

// Server is the read-only facade over published artifacts.
type Server struct {
	cfg      Config
	corpus   *corpus.Corpus
	kgEngine *sparql.Engine
	searcher Searcher
	ragEng   QueryEngine
	pdp      *policy.PDP
	limiter  Limiter
	inflight chan struct{}
	mux      *http.ServeMux
}

// New assembles the server. Corpus and KG engine are required; search
// and RAG endpoints degrade to 503 when their deps are absent.
func New(cfg Config, c *corpus.Corpus, kgEngine *sparql.Engine, searcher Searcher, ragEng QueryEngine, pdp *policy.PDP) *Server {
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	s := &Server{
		cfg:      cfg,
		corpus:   c,
		kgEngine: kgEngine,
		searcher: searcher,
		ragEng:   ragEng,
		pdp:      pdp,
		limiter:  limiter,
		inflight: make(chan struct{}, maxInFlight),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/entities/{id}", s.handleEntity)
	mux.HandleFunc("GET /v1/search", s.handleSearch)
	mux.HandleFunc("POST /v1/sparql", s.handleSPARQL)
	mux.HandleFunc("GET /v1/lineage/{id}", s.handleLineage)
	mux.HandleFunc("POST /v1/rag/query", s.handleRAGQuery)
	s.mux = mux
	return s
}

// Close releases server-owned resources, including the default
// limiter's eviction goroutine.
func (s *Server) Close() error {
	if c, ok := s.limiter.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Handler returns the middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.rateLimit(h)
	h = s.limitInFlight(h)
	h = requestID(h)
	return http.TimeoutHandler(h, requestTimeout,
		`{"type":"`+problemNS+`timeout","title":"Timeout","status":503}`)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitInFlight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.inflight <- struct{}{}:
			defer func() { <-s.inflight }()
			next.ServeHTTP(w, r)
		default:
			writeProblem(w, r, http.StatusServiceUnavailable,
				problemNS+"overloaded", "Overloaded", "Too many concurrent requests.")
		}
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.resolveIdentity(r)
		rpm, burst := anonRPM, anonBurst
		if id.Keyed {
			rpm, burst = keyedRPM, keyedBurst
		}
		v, err := s.limiter.Allow(r.Context(), id.ID, rpm, burst)
		if err != nil {
			writeKindError(w, r, errkind.Wrap(errkind.Internal, "facade.ratelimit", err))
			return
		}
		setRateHeaders(w, v)
		if !v.Allowed {
			writeProblem(w, r, http.StatusTooManyRequests,
				problemNS+"rate_limited", "Too Many Requests",
				"Rate limit exceeded. Retry after the indicated interval.")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

type identityKey struct{}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func callerIdentity(ctx context.Context) identity {
	if id, ok := ctx.Value(identityKey{}).(identity); ok {
		return id
	}
	return identity{ID: "anon:unknown", Roles: []policy.Role{policy.RoleReader}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
