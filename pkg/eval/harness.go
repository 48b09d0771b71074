package eval

import (
	"context"
	"fmt"
	"time"

	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/rag"
)

// Answerer is the RAG surface the harness drives; *rag.Engine satisfies it.
type Answerer interface {
	Query(ctx context.Context, question string) (*rag.Answer, error)
}

// GroundingFailure names one citation that does not resolve cleanly.
type GroundingFailure struct {
	CaseID  string `json:"case_id"`
	Section string `json:"section"`
	Reason  string `json:"reason"`
}

// GroundingReport summarizes citation resolution across a dataset.
type GroundingReport struct {
	OK       bool               `json:"ok"`
	Checked  int                `json:"checked"`
	Failures []GroundingFailure `json:"failures,omitempty"`
}

// CheckGrounding verifies that every cited section id in the dataset
// resolves to exactly one retrieval document whose doc_id equals the
// normalized id with no anchor suffix.
func CheckGrounding(c *corpus.Corpus, ds *Dataset) *GroundingReport {
	bare := make(map[string]int, len(c.Documents))
	for i := range c.Documents {
		d := &c.Documents[i]
		if d.ParentID == "" {
			bare[d.DocID]++
		}
	}

	rep := &GroundingReport{}
	for _, cs := range ds.Cases {
		for _, raw := range cs.EARSections {
			rep.Checked++
			id, err := earid.NormalizeSectionID(raw)
			if err != nil {
				rep.Failures = append(rep.Failures, GroundingFailure{
					CaseID: cs.ID, Section: raw, Reason: "not a canonical section id",
				})
				continue
			}
			switch n := bare[id]; {
			case n == 0:
				rep.Failures = append(rep.Failures, GroundingFailure{
					CaseID: cs.ID, Section: id, Reason: "no retrieval document with this doc_id",
				})
			case n > 1:
				rep.Failures = append(rep.Failures, GroundingFailure{
					CaseID: cs.ID, Section: id, Reason: fmt.Sprintf("%d documents share this doc_id", n),
				})
			}
		}
	}
	rep.OK = len(rep.Failures) == 0
	return rep
}

// CaseResult is the outcome of one dataset case against the pipeline.
type CaseResult struct {
	CaseID        string `json:"case_id"`
	ExpectedLabel string `json:"expected_label"`
	GotLabel      string `json:"got_label"`
	Match         bool   `json:"match"`
	Refused       bool   `json:"refused"`
	Error         string `json:"error,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// RunReport is the batch RAG summary for one dataset.
type RunReport struct {
	Dataset  string       `json:"dataset"`
	Total    int          `json:"total"`
	Answered int          `json:"answered"`
	Refused  int          `json:"refused"`
	Errors   int          `json:"errors"`
	Matches  int          `json:"matches"`
	Accuracy float64      `json:"accuracy"`
	Cases    []CaseResult `json:"cases"`
}

// RunRAG drives the pipeline over every case in order and scores label
// accuracy. A refusal counts as a match only when the expected label is
// unanswerable. Per-case errors are recorded, not fatal.
func RunRAG(ctx context.Context, eng Answerer, ds *Dataset) *RunReport {
	rep := &RunReport{Dataset: ds.Name, Total: len(ds.Cases)}
	for _, cs := range ds.Cases {
		res := CaseResult{CaseID: cs.ID, ExpectedLabel: cs.ExpectedLabel}
		start := time.Now()
		ans, err := eng.Query(ctx, cs.Question)
		res.DurationMS = time.Since(start).Milliseconds()

		switch {
		case err != nil:
			res.Error = "query failed"
			rep.Errors++
		case ans.Refused:
			res.Refused = true
			res.GotLabel = ans.AnswerLabel
			res.Match = cs.ExpectedLabel == rag.LabelUnanswerable
			rep.Refused++
		default:
			res.GotLabel = ans.AnswerLabel
			res.Match = ans.AnswerLabel == cs.ExpectedLabel
			rep.Answered++
		}
		if res.Match {
			rep.Matches++
		}
		rep.Cases = append(rep.Cases, res)
	}
	if rep.Total > 0 {
		rep.Accuracy = float64(rep.Matches) / float64(rep.Total)
	}
	return rep
}
