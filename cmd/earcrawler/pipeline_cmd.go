package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/config"
	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/index"
	"github.com/earcrawler/earcrawler/pkg/integrity"
	"github.com/earcrawler/earcrawler/pkg/kg"
	"github.com/earcrawler/earcrawler/pkg/orchestrator"
	"github.com/earcrawler/earcrawler/pkg/policy"
	"github.com/earcrawler/earcrawler/pkg/snapshot"
	"github.com/earcrawler/earcrawler/pkg/sparql"
)

// authorize checks the caller against the default rule table, recording
// the decision when an audit ledger path is given. It returns the open
// ledger (nil when no path) for the command's own events.
func authorize(command, auditPath string, args map[string]any) (*audit.Ledger, error) {
	var ledger *audit.Ledger
	if auditPath != "" {
		var err error
		ledger, err = audit.Open(auditPath, nil)
		if err != nil {
			return nil, err
		}
	}

	pdp, err := policy.New(ledger)
	if err != nil {
		return nil, err
	}
	for _, rule := range policy.DefaultRules() {
		if err := pdp.Register(rule); err != nil {
			return nil, err
		}
	}

	actor, roles := callerIdentity()
	if _, err := pdp.Check(actor, roles, command, args); err != nil {
		return nil, err
	}
	return ledger, nil
}

func runSnapshotValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot-validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "", "snapshot directory")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *dir == "" {
		fmt.Fprintln(stderr, "snapshot-validate: --dir is required")
		return exitUsage
	}

	if _, err := authorize("snapshot-validate", *auditPath, nil); err != nil {
		return fail(stderr, err)
	}

	snap, err := snapshot.Load(*dir)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]any{
		"ok":          true,
		"snapshot_id": snap.Manifest.SnapshotID,
		"source_ref":  snap.SourceRef(),
		"records":     len(snap.Records),
	})
	return exitOK
}

func runCorpus(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: earcrawler corpus <build|validate|snapshot> [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("corpus "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	snapDir := fs.String("snapshot", "", "snapshot directory (build)")
	dir := fs.String("dir", "", "corpus directory")
	out := fs.String("out", "", "output directory (build)")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}

	switch args[0] {
	case "build":
		if *snapDir == "" || *out == "" {
			fmt.Fprintln(stderr, "corpus build: --snapshot and --out are required")
			return exitUsage
		}
		if _, err := authorize("corpus.build", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		snap, err := snapshot.Load(*snapDir)
		if err != nil {
			return fail(stderr, err)
		}
		c, err := corpus.Build(snap, corpus.BuildOptions{SourceDateEpoch: cfg.SourceDateEpoch})
		if err != nil {
			return fail(stderr, err)
		}
		if err := c.Write(*out); err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, map[string]any{
			"ok":            true,
			"doc_count":     c.Manifest.DocCount,
			"corpus_digest": c.Manifest.CorpusDigest,
			"source_ref":    c.Manifest.SourceRef,
		})
		return exitOK

	case "validate":
		if *dir == "" {
			fmt.Fprintln(stderr, "corpus validate: --dir is required")
			return exitUsage
		}
		if _, err := authorize("corpus.validate", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		c, err := corpus.Load(*dir)
		if err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, map[string]any{
			"ok":            true,
			"doc_count":     c.Manifest.DocCount,
			"corpus_digest": c.Manifest.CorpusDigest,
		})
		return exitOK

	case "snapshot":
		if *dir == "" {
			fmt.Fprintln(stderr, "corpus snapshot: --dir is required")
			return exitUsage
		}
		if _, err := authorize("corpus.snapshot", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		c, err := corpus.Load(*dir)
		if err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, c.Manifest)
		return exitOK

	default:
		fmt.Fprintf(stderr, "unknown corpus subcommand: %s\n", args[0])
		return exitUsage
	}
}

func runKG(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: earcrawler kg <emit|load|query|serve> [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("kg "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	corpusDir := fs.String("corpus", "", "corpus directory (emit)")
	dir := fs.String("dir", "", "KG directory")
	out := fs.String("out", "", "output directory (emit)")
	template := fs.String("template", "", "query template name")
	auditPath := fs.String("audit", "", "audit ledger path")
	var qargs argMap
	fs.Var(&qargs, "arg", "template argument name=value (repeatable)")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}

	switch args[0] {
	case "emit":
		if *corpusDir == "" || *out == "" {
			fmt.Fprintln(stderr, "kg emit: --corpus and --out are required")
			return exitUsage
		}
		if _, err := authorize("kg.emit", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		c, err := corpus.Load(*corpusDir)
		if err != nil {
			return fail(stderr, err)
		}
		g, err := kg.Emit(c)
		if err != nil {
			return fail(stderr, err)
		}
		if err := g.Write(*out, kg.WriteOptions{
			CorpusDigest:    c.Manifest.CorpusDigest,
			SourceDateEpoch: cfg.SourceDateEpoch,
		}); err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, map[string]any{
			"ok":         true,
			"kg_digest":  g.Digest,
			"graph_iri":  g.IRI,
			"quad_count": len(g.Quads),
		})
		return exitOK

	case "load":
		if *dir == "" {
			fmt.Fprintln(stderr, "kg load: --dir is required")
			return exitUsage
		}
		if _, err := authorize("kg.load", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		m, err := kg.LoadState(*dir)
		if err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, m)
		return exitOK

	case "query":
		if *dir == "" || *template == "" {
			fmt.Fprintln(stderr, "kg query: --dir and --template are required")
			return exitUsage
		}
		if _, err := authorize("kg.query", *auditPath, nil); err != nil {
			return fail(stderr, err)
		}
		eng, err := loadEngine(*dir)
		if err != nil {
			return fail(stderr, err)
		}
		rows, err := eng.Query(*template, qargs)
		if err != nil {
			return fail(stderr, err)
		}
		out := make([]map[string]string, len(rows))
		for i, row := range rows {
			m := make(map[string]string, len(row))
			for name, term := range row {
				m[name] = term.Value
			}
			out[i] = m
		}
		printJSON(stdout, map[string]any{"rows": out})
		return exitOK

	case "serve":
		return runServe(args[1:], stdout, stderr)

	default:
		fmt.Fprintf(stderr, "unknown kg subcommand: %s\n", args[0])
		return exitUsage
	}
}

// loadEngine verifies and loads a KG directory into the query engine.
func loadEngine(dir string) (*sparql.Engine, error) {
	if _, err := kg.LoadState(dir); err != nil {
		return nil, err
	}
	nq, err := os.ReadFile(filepath.Join(dir, kg.NQuadsFile))
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidInput, "cli.kg", err)
	}
	quads, err := kg.ParseNQuads(nq)
	if err != nil {
		return nil, err
	}
	return sparql.NewEngine(quads), nil
}

func runIntegrity(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "check" {
		fmt.Fprintln(stderr, "Usage: earcrawler integrity check [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("integrity check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("kg", "", "KG directory")
	baseline := fs.String("baseline", "", "frozen baseline directory (optional)")
	shapesPath := fs.String("shapes", "", "shapes manifest path (optional)")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if *dir == "" {
		fmt.Fprintln(stderr, "integrity check: --kg is required")
		return exitUsage
	}

	ledger, err := authorize("integrity.check", *auditPath, nil)
	if err != nil {
		return fail(stderr, err)
	}

	if _, err := kg.LoadState(*dir); err != nil {
		return fail(stderr, err)
	}
	nq, err := os.ReadFile(filepath.Join(*dir, kg.NQuadsFile))
	if err != nil {
		return fail(stderr, errkind.Wrap(errkind.InvalidInput, "cli.integrity", err))
	}
	quads, err := kg.ParseNQuads(nq)
	if err != nil {
		return fail(stderr, err)
	}

	shapes := integrity.DefaultShapes()
	if *shapesPath != "" {
		shapes, err = integrity.LoadShapes(*shapesPath)
		if err != nil {
			return fail(stderr, err)
		}
	}

	actor, _ := callerIdentity()
	runner := &integrity.Runner{Ledger: ledger, Actor: actor}
	gates := []integrity.Gate{
		integrity.NewShapesGate(shapes, quads),
		integrity.NewProvenanceGate(quads),
		integrity.NewRoundTripGate(nq),
	}
	if *baseline != "" {
		gates = append(gates, integrity.NewBaselineGate(*baseline, *dir))
	}

	results, err := runner.Run(context.Background(), gates)
	printJSON(stdout, map[string]any{"ok": err == nil, "gates": results})
	if err != nil {
		return fail(stderr, err)
	}
	return exitOK
}

func runIndex(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "rebuild" {
		fmt.Fprintln(stderr, "Usage: earcrawler index rebuild [flags]")
		return exitUsage
	}

	fs := flag.NewFlagSet("index rebuild", flag.ContinueOnError)
	fs.SetOutput(stderr)
	corpusDir := fs.String("corpus", "", "corpus directory")
	snapDir := fs.String("snapshot", "", "snapshot directory (binds provenance)")
	out := fs.String("out", "", "index output directory")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if *corpusDir == "" || *out == "" {
		fmt.Fprintln(stderr, "index rebuild: --corpus and --out are required")
		return exitUsage
	}

	ledger, err := authorize("index.rebuild", *auditPath, nil)
	if err != nil {
		return fail(stderr, err)
	}

	c, err := corpus.Load(*corpusDir)
	if err != nil {
		return fail(stderr, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}
	opts := index.BuildOptions{SourceDateEpoch: cfg.SourceDateEpoch}
	if *snapDir != "" {
		snap, err := snapshot.Load(*snapDir)
		if err != nil {
			return fail(stderr, err)
		}
		opts.SnapshotID = snap.Manifest.SnapshotID
		opts.SnapshotSHA256 = snap.PayloadSHA256
	}

	emb := index.NewHashEmbedder(0)
	if err := index.Build(context.Background(), *out, c, emb, opts); err != nil {
		return fail(stderr, err)
	}
	if ledger != nil {
		actor, roles := callerIdentity()
		_, _ = ledger.Append(actor, roleStrings(roles), audit.EventIndexSelected, map[string]any{
			"corpus_digest":   c.Manifest.CorpusDigest,
			"embedding_model": emb.Model(),
		})
	}
	printJSON(stdout, map[string]any{
		"ok":              true,
		"doc_count":       c.Manifest.DocCount,
		"corpus_digest":   c.Manifest.CorpusDigest,
		"embedding_model": emb.Model(),
	})
	return exitOK
}

func runPipeline(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	snapDir := fs.String("snapshot", "", "snapshot directory")
	out := fs.String("out", "", "run workspace directory")
	baseline := fs.String("baseline", "", "frozen KG baseline directory (optional)")
	dataset := fs.String("dataset", "", "eval dataset path (optional)")
	auditPath := fs.String("audit", "", "audit ledger path")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *snapDir == "" || *out == "" {
		fmt.Fprintln(stderr, "run: --snapshot and --out are required")
		return exitUsage
	}

	ledger, err := authorize("corpus.build", *auditPath, nil)
	if err != nil {
		return fail(stderr, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}
	actor, roles := callerIdentity()
	runner, err := orchestrator.New(orchestrator.Config{
		SnapshotDir:     *snapDir,
		OutDir:          *out,
		BaselineDir:     *baseline,
		DatasetPath:     *dataset,
		SourceDateEpoch: cfg.SourceDateEpoch,
		Ledger:          ledger,
		Actor:           actor,
		Roles:           roleStrings(roles),
	})
	if err != nil {
		return fail(stderr, err)
	}

	sum := runner.Run(context.Background())
	printJSON(stdout, sum)
	return sum.ExitCode
}

// argMap collects repeated name=value flags.
type argMap map[string]string

func (m *argMap) String() string { return "" }

func (m *argMap) Set(v string) error {
	if *m == nil {
		*m = make(map[string]string)
	}
	name, value, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected name=value, got %q", v)
	}
	(*m)[name] = value
	return nil
}
