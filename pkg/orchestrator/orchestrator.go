// Package orchestrator sequences the end-to-end pipeline: snapshot
// validation, corpus build, KG emission, integrity gates, baseline
// comparison, index rebuild, and the eval harness. Every run produces a
// structured summary with per-step timing and a stable exit code, and
// records its lifecycle in the audit ledger. A failed step short-circuits
// everything downstream.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/earcrawler/earcrawler/pkg/audit"
	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/eval"
	"github.com/earcrawler/earcrawler/pkg/index"
	"github.com/earcrawler/earcrawler/pkg/integrity"
	"github.com/earcrawler/earcrawler/pkg/kg"
	"github.com/earcrawler/earcrawler/pkg/snapshot"
)

// Step statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Exit codes form the external contract of a run.
const (
	ExitOK        = 0
	ExitIntegrity = 1
	ExitUsage     = 2
	ExitDenied    = 3
)

// StepResult is one step of the run summary.
type StepResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
}

// Summary is the structured result of one pipeline run.
type Summary struct {
	RunID      string            `json:"run_id"`
	Steps      []StepResult      `json:"steps"`
	ExitCode   int               `json:"exit_code"`
	Provenance map[string]string `json:"provenance"`
}

// Config wires one pipeline run.
type Config struct {
	SnapshotDir string
	// OutDir is the run workspace; corpus, kg, and index artifacts are
	// written under it.
	OutDir string
	// BaselineDir holds the frozen KG baseline. Empty skips the
	// baseline-compare step.
	BaselineDir string
	// DatasetPath feeds the eval harness. Empty skips grounding checks.
	DatasetPath     string
	SourceDateEpoch int64

	Embedder index.Embedder
	Ledger   *audit.Ledger
	Actor    string
	Roles    []string
	Scope    audit.RunScope
	// Answerer, when set, lets the eval harness drive the RAG pipeline
	// over the dataset. Nil keeps the run fully offline.
	Answerer eval.Answerer

	clock func() time.Time
}

// Runner executes the pipeline.
type Runner struct {
	cfg Config
}

// New validates the run configuration.
func New(cfg Config) (*Runner, error) {
	if cfg.SnapshotDir == "" || cfg.OutDir == "" {
		return nil, errkind.New(errkind.InvalidInput, "orchestrator",
			"snapshot and output directories are required")
	}
	if cfg.Embedder == nil {
		cfg.Embedder = index.NewHashEmbedder(0)
	}
	if cfg.Actor == "" {
		cfg.Actor = "orchestrator"
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}
	return &Runner{cfg: cfg}, nil
}

// run carries the mutable state threaded through the steps.
type run struct {
	snap   *snapshot.Snapshot
	corpus *corpus.Corpus
	graph  *kg.Graph
}

// Run executes every step in order. Errors never escape: they are folded
// into the summary's step results and exit code.
func (r *Runner) Run(ctx context.Context) *Summary {
	sum := &Summary{
		RunID:      uuid.NewString(),
		Provenance: map[string]string{},
	}
	r.audit(audit.EventRunStarted, map[string]any{
		"run": shortHash(sum.RunID),
	})

	st := &run{}
	steps := []struct {
		name string
		fn   func(ctx context.Context, st *run, sum *Summary) error
	}{
		{"snapshot-validate", r.snapshotValidate},
		{"corpus-build", r.corpusBuild},
		{"corpus-validate", r.corpusValidate},
		{"kg-emit", r.kgEmit},
		{"kg-validate", r.kgValidate},
		{"baseline-compare", r.baselineCompare},
		{"index-rebuild", r.indexRebuild},
		{"eval-harness", r.evalHarness},
	}

	failed := false
	for _, step := range steps {
		if failed {
			sum.Steps = append(sum.Steps, StepResult{Name: step.name, Status: StatusSkipped})
			continue
		}
		start := r.cfg.clock()
		err := step.fn(ctx, st, sum)
		res := StepResult{
			Name:       step.name,
			Status:     StatusOK,
			DurationMS: r.cfg.clock().Sub(start).Milliseconds(),
		}
		if err != nil {
			failed = true
			res.Status = StatusFailed
			res.Detail = err.Error()
			sum.ExitCode = exitCode(err)
			r.audit(audit.EventRunFailed, map[string]any{
				"run":  shortHash(sum.RunID),
				"step": step.name,
			})
		}
		sum.Steps = append(sum.Steps, res)
	}
	return sum
}

func (r *Runner) snapshotValidate(_ context.Context, st *run, sum *Summary) error {
	snap, err := snapshot.Load(r.cfg.SnapshotDir)
	if err != nil {
		return err
	}
	st.snap = snap
	sum.Provenance["snapshot"] = snap.SourceRef()
	r.audit(audit.EventSnapshotSelected, map[string]any{
		"source_ref": snap.SourceRef(),
	})
	return nil
}

func (r *Runner) corpusBuild(_ context.Context, st *run, sum *Summary) error {
	c, err := corpus.Build(st.snap, corpus.BuildOptions{SourceDateEpoch: r.cfg.SourceDateEpoch})
	if err != nil {
		return err
	}
	if err := c.Write(r.corpusDir()); err != nil {
		return err
	}
	st.corpus = c
	sum.Provenance["corpus_digest"] = c.Manifest.CorpusDigest
	return nil
}

func (r *Runner) corpusValidate(_ context.Context, st *run, _ *Summary) error {
	// Reload from disk so validation covers what was actually written.
	c, err := corpus.Load(r.corpusDir())
	if err != nil {
		return err
	}
	st.corpus = c
	return nil
}

func (r *Runner) kgEmit(_ context.Context, st *run, sum *Summary) error {
	g, err := kg.Emit(st.corpus)
	if err != nil {
		return err
	}
	if err := g.Write(r.kgDir(), kg.WriteOptions{
		CorpusDigest:    st.corpus.Manifest.CorpusDigest,
		SourceDateEpoch: r.cfg.SourceDateEpoch,
	}); err != nil {
		return err
	}
	st.graph = g
	sum.Provenance["kg_digest"] = g.Digest
	sum.Provenance["graph_iri"] = g.IRI
	return nil
}

func (r *Runner) kgValidate(ctx context.Context, st *run, _ *Summary) error {
	runner := &integrity.Runner{Ledger: r.cfg.Ledger, Actor: r.cfg.Actor}
	gates := []integrity.Gate{
		integrity.NewShapesGate(integrity.DefaultShapes(), st.graph.Quads),
		integrity.NewProvenanceGate(st.graph.Quads),
		integrity.NewRoundTripGate(kg.SerializeNQuads(st.graph.Quads)),
	}
	_, err := runner.Run(ctx, gates)
	return err
}

func (r *Runner) baselineCompare(ctx context.Context, st *run, _ *Summary) error {
	if r.cfg.BaselineDir == "" {
		return nil
	}
	runner := &integrity.Runner{Ledger: r.cfg.Ledger, Actor: r.cfg.Actor}
	_, err := runner.Run(ctx, []integrity.Gate{
		integrity.NewBaselineGate(r.cfg.BaselineDir, r.kgDir()),
	})
	return err
}

func (r *Runner) indexRebuild(ctx context.Context, st *run, sum *Summary) error {
	err := index.Build(ctx, r.indexDir(), st.corpus, r.cfg.Embedder, index.BuildOptions{
		SourceDateEpoch: r.cfg.SourceDateEpoch,
		SnapshotID:      st.snap.Manifest.SnapshotID,
		SnapshotSHA256:  st.snap.PayloadSHA256,
	})
	if err != nil {
		return err
	}
	sum.Provenance["embedding_model"] = r.cfg.Embedder.Model()
	r.audit(audit.EventIndexSelected, map[string]any{
		"corpus_digest":   st.corpus.Manifest.CorpusDigest,
		"embedding_model": r.cfg.Embedder.Model(),
	})
	return nil
}

func (r *Runner) evalHarness(ctx context.Context, st *run, sum *Summary) error {
	decision := "offline_only"
	if r.cfg.Answerer != nil {
		decision = "remote_allowed"
	}
	r.audit(audit.EventRemoteLLMDecision, map[string]any{
		"decision": decision,
	})
	if r.cfg.DatasetPath == "" {
		return nil
	}

	ds, err := eval.LoadDataset(r.cfg.DatasetPath)
	if err != nil {
		return err
	}
	grounding := eval.CheckGrounding(st.corpus, ds)
	if !grounding.OK {
		return errkind.New(errkind.ContractViolation, "orchestrator.eval",
			"%d citations do not resolve to a retrieval document", len(grounding.Failures))
	}
	sum.Provenance["eval_cases"] = strconv.Itoa(len(ds.Cases))

	if r.cfg.Answerer != nil {
		rep := eval.RunRAG(ctx, r.cfg.Answerer, ds)
		if rep.Errors > 0 {
			return errkind.New(errkind.Upstream, "orchestrator.eval",
				"%d of %d eval queries failed", rep.Errors, rep.Total)
		}
	}
	return nil
}

func (r *Runner) corpusDir() string { return filepath.Join(r.cfg.OutDir, "corpus") }
func (r *Runner) kgDir() string     { return filepath.Join(r.cfg.OutDir, "kg") }
func (r *Runner) indexDir() string  { return filepath.Join(r.cfg.OutDir, "index") }

func (r *Runner) audit(event string, payload map[string]any) {
	if r.cfg.Ledger == nil {
		return
	}
	_, _ = r.cfg.Ledger.Append(r.cfg.Actor, r.cfg.Roles, event, payload)
}

// exitCode maps the error taxonomy onto the run's exit-code contract.
func exitCode(err error) int {
	switch errkind.KindOf(err) {
	case errkind.InvalidInput:
		return ExitUsage
	case errkind.AuthorizationDenied:
		return ExitDenied
	default:
		return ExitIntegrity
	}
}

// shortHash fingerprints an identifier for audit payloads without
// emitting the raw value.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
