package rag

import (
	"fmt"
	"strings"

	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/earid"
	"github.com/earcrawler/earcrawler/pkg/errkind"
	"github.com/earcrawler/earcrawler/pkg/index"
)

// grounding resolves citations against the corpus. A section id grounds
// when the corpus holds exactly one bare document under that id, or when
// the section was chunked and its anchored children all point back to it.
type grounding struct {
	bare     map[string]int
	children map[string]int
}

func newGrounding(docs []corpus.Document) *grounding {
	g := &grounding{bare: make(map[string]int), children: make(map[string]int)}
	for i := range docs {
		d := &docs[i]
		if d.ParentID != "" {
			g.children[d.ParentID]++
		} else {
			g.bare[d.DocID]++
		}
	}
	return g
}

func (g *grounding) resolves(sectionID string) bool {
	if g.bare[sectionID] == 1 {
		return true
	}
	return g.bare[sectionID] == 0 && g.children[sectionID] > 0
}

// thinRetrieval applies the profile's gate over parent-section counts:
// anchored children collapse to their parent before min_docs.
func thinRetrieval(hits []index.Hit, minDocs int, minTopScore float64, minTotalChars int) (string, bool) {
	parents := make(map[string]bool)
	totalChars := 0
	topScore := 0.0
	for _, h := range hits {
		parents[citationID(h)] = true
		totalChars += len(h.Text)
		if h.Score > topScore {
			topScore = h.Score
		}
	}
	switch {
	case len(parents) < minDocs:
		return fmt.Sprintf("retrieved %d sections, need %d", len(parents), minDocs), true
	case topScore < minTopScore:
		return fmt.Sprintf("top score %.3f below %.3f", topScore, minTopScore), true
	case totalChars < minTotalChars:
		return fmt.Sprintf("retrieved %d chars, need %d", totalChars, minTotalChars), true
	}
	return "", false
}

// finalize enforces the output contract on a raw model response. It
// never rewrites an answer into validity: a label outside the closed set
// fails the query; ungrounded citations are dropped and flagged.
func finalize(out *modelOutput, g *grounding) (*Answer, error) {
	const op = "rag.finalize"

	if !validLabels[out.AnswerLabel] {
		return nil, errkind.New(errkind.ContractViolation, op,
			"model emitted label outside the contract")
	}

	var cited []string
	var dropped []string
	seen := make(map[string]bool)
	for _, raw := range out.EARSections {
		id, err := earid.NormalizeSectionID(raw)
		if err != nil {
			dropped = append(dropped, truncateID(raw))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if !g.resolves(id) {
			dropped = append(dropped, id)
			continue
		}
		cited = append(cited, id)
	}

	rationale := strings.TrimSpace(out.Rationale)
	if len(dropped) > 0 {
		note := fmt.Sprintf("ungrounded citations dropped: %s", strings.Join(dropped, ", "))
		if rationale != "" {
			rationale += "; " + note
		} else {
			rationale = note
		}
	}

	confidence := out.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &Answer{
		AnswerLabel: out.AnswerLabel,
		AnswerText:  strings.TrimSpace(out.AnswerText),
		EARSections: cited,
		Rationale:   rationale,
		Confidence:  confidence,
		Grounded:    len(cited) > 0,
	}, nil
}

func truncateID(s string) string {
	r := []rune(s)
	if len(r) > 32 {
		return string(r[:32])
	}
	return s
}
