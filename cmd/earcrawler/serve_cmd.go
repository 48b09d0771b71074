package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/earcrawler/earcrawler/pkg/config"
	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/facade"
	"github.com/earcrawler/earcrawler/pkg/index"
	"github.com/earcrawler/earcrawler/pkg/policy"
	"github.com/earcrawler/earcrawler/pkg/rag"
	"github.com/earcrawler/earcrawler/pkg/telemetry"
)

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", ":8080", "listen address")
	corpusDir := fs.String("corpus", "", "corpus directory")
	kgDir := fs.String("kg", "", "KG directory")
	indexDir := fs.String("index", "", "index directory (optional)")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *corpusDir == "" || *kgDir == "" {
		fmt.Fprintln(stderr, "serve: --corpus and --kg are required")
		return exitUsage
	}

	ledger, err := authorize("kg.serve", *auditPath, nil)
	if err != nil {
		return fail(stderr, err)
	}

	c, err := corpus.Load(*corpusDir)
	if err != nil {
		return fail(stderr, err)
	}
	kgEngine, err := loadEngine(*kgDir)
	if err != nil {
		return fail(stderr, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}
	emb := index.NewHashEmbedder(0)

	var searcher facade.Searcher
	var ix *index.Index
	if *indexDir != "" {
		ix, err = index.Open(*indexDir, c.Manifest.CorpusDigest, emb.Model())
		if err != nil {
			return fail(stderr, err)
		}
		defer ix.Close()
		searcher = rag.IndexRetriever{Index: ix, Embedder: emb}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
	}

	var ragEng facade.QueryEngine
	if baseURL := os.Getenv("EARCRAWLER_LLM_BASE_URL"); baseURL != "" && ix != nil {
		provider, err := rag.NewHTTPProvider(rag.ProviderConfig{
			BaseURL: baseURL,
			APIKey:  os.Getenv("EARCRAWLER_LLM_API_KEY"),
			Model:   os.Getenv("EARCRAWLER_LLM_MODEL"),
		})
		if err != nil {
			return fail(stderr, err)
		}
		actor, _ := callerIdentity()
		ragEng, err = rag.New(rag.Options{
			Retriever:   rag.IndexRetriever{Index: ix, Embedder: emb},
			Provider:    provider,
			Model:       os.Getenv("EARCRAWLER_LLM_MODEL"),
			Profile:     cfg.Retrieval,
			Corpus:      c,
			KG:          kgEngine,
			IndexDigest: c.Manifest.CorpusDigest,
			Redis:       rdb,
			Ledger:      ledger,
			Actor:       actor,
		})
		if err != nil {
			return fail(stderr, err)
		}
	}

	pdp, err := policy.New(ledger)
	if err != nil {
		return fail(stderr, err)
	}
	for _, rule := range policy.DefaultRules() {
		if err := pdp.Register(rule); err != nil {
			return fail(stderr, err)
		}
	}

	tel, err := telemetry.New(context.Background(), &telemetry.Config{
		ServiceName: "earcrawler",
		Enabled:     os.Getenv("EARCRAWLER_TELEMETRY") == "1",
	})
	if err != nil {
		return fail(stderr, err)
	}
	defer tel.Shutdown(context.Background())

	var limiter facade.Limiter
	if rdb != nil {
		limiter = facade.NewRedisLimiter(rdb)
	}
	srv := facade.New(facade.Config{
		APIKey:    cfg.FacadeAPIKey,
		JWTSecret: []byte(os.Getenv("EARCRAWLER_JWT_SECRET")),
		Limiter:   limiter,
		Health: func(ctx context.Context) (any, error) {
			return tel.Health(ctx)
		},
	}, c, kgEngine, searcher, ragEng, pdp)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("facade listening", "addr", *addr)
	printJSON(stdout, map[string]any{"ok": true, "addr": *addr})
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fail(stderr, err)
	}
	return exitOK
}
