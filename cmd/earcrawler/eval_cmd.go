package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/config"
	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/eval"
	"github.com/earcrawler/earcrawler/pkg/index"
	"github.com/earcrawler/earcrawler/pkg/rag"
)

func runEval(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: earcrawler eval <fr-coverage|run-rag|check-grounding> [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("eval "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataset := fs.String("dataset", "", "dataset JSONL path")
	corpusDir := fs.String("corpus", "", "corpus directory")
	indexDir := fs.String("index", "", "index directory (run-rag)")
	model := fs.String("model", "", "chat model (run-rag)")
	require := fs.String("require", "", "comma-separated FR ids (fr-coverage)")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if *dataset == "" {
		fmt.Fprintln(stderr, "eval: --dataset is required")
		return exitUsage
	}

	switch args[0] {
	case "fr-coverage":
		if _, err := authorize("eval.fr-coverage", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		ds, err := eval.LoadDataset(*dataset)
		if err != nil {
			return fail(stderr, err)
		}
		var required []string
		for _, fr := range strings.Split(*require, ",") {
			if fr = strings.TrimSpace(fr); fr != "" {
				required = append(required, fr)
			}
		}
		rep := eval.FRCoverage(ds, required)
		printJSON(stdout, rep)
		if !rep.OK {
			return exitIntegrity
		}
		return exitOK

	case "check-grounding":
		if *corpusDir == "" {
			fmt.Fprintln(stderr, "eval check-grounding: --corpus is required")
			return exitUsage
		}
		if _, err := authorize("eval.check-grounding", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		ds, err := eval.LoadDataset(*dataset)
		if err != nil {
			return fail(stderr, err)
		}
		c, err := corpus.Load(*corpusDir)
		if err != nil {
			return fail(stderr, err)
		}
		rep := eval.CheckGrounding(c, ds)
		printJSON(stdout, rep)
		if !rep.OK {
			return exitIntegrity
		}
		return exitOK

	case "run-rag":
		if *corpusDir == "" || *indexDir == "" {
			fmt.Fprintln(stderr, "eval run-rag: --corpus and --index are required")
			return exitUsage
		}
		ledger, err := authorize("eval.run-rag", *auditPath, nil)
		if err != nil {
			return fail(stderr, err)
		}
		return runRAGEval(ledger, *dataset, *corpusDir, *indexDir, *model, stdout, stderr, *auditPath)

	default:
		fmt.Fprintf(stderr, "unknown eval subcommand: %s\n", args[0])
		return exitUsage
	}
}

// runRAGEval wires the full pipeline against a remote chat provider taken
// from the environment and drives the dataset through it.
func runRAGEval(ledger *audit.Ledger, dataset, corpusDir, indexDir, model string, stdout, stderr io.Writer, auditPath string) int {
	baseURL := os.Getenv("EARCRAWLER_LLM_BASE_URL")
	if baseURL == "" {
		return fail(stderr, errkind.New(errkind.InvalidInput, "cli.eval",
			"EARCRAWLER_LLM_BASE_URL is not set"))
	}
	if model == "" {
		model = os.Getenv("EARCRAWLER_LLM_MODEL")
	}

	// Remote inference is a separate, conditioned privilege.
	if _, err := authorize("rag.query.remote-llm", auditPath, map[string]any{"offline_only": false}); err != nil {
		return fail(stderr, err)
	}

	ds, err := eval.LoadDataset(dataset)
	if err != nil {
		return fail(stderr, err)
	}
	c, err := corpus.Load(corpusDir)
	if err != nil {
		return fail(stderr, err)
	}
	emb := index.NewHashEmbedder(0)
	ix, err := index.Open(indexDir, c.Manifest.CorpusDigest, emb.Model())
	if err != nil {
		return fail(stderr, err)
	}
	defer ix.Close()

	provider, err := rag.NewHTTPProvider(rag.ProviderConfig{
		BaseURL: baseURL,
		APIKey:  os.Getenv("EARCRAWLER_LLM_API_KEY"),
		Model:   model,
	})
	if err != nil {
		return fail(stderr, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}
	actor, _ := callerIdentity()
	eng, err := rag.New(rag.Options{
		Retriever: rag.IndexRetriever{Index: ix, Embedder: emb},
		Provider:  provider,
		Model:     model,
		Profile:   cfg.Retrieval,
		Corpus:    c,
		Ledger:    ledger,
		Actor:     actor,
	})
	if err != nil {
		return fail(stderr, err)
	}

	rep := eval.RunRAG(context.Background(), eng, ds)
	printJSON(stdout, rep)
	if rep.Errors > 0 {
		return exitIntegrity
	}
	return exitOK
}
