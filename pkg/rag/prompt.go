package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/earcrawler/earcrawler/pkg/corpus"
	"github.com/earcrawler/earcrawler/pkg/index"
)

const systemPrompt = `You answer questions about the U.S. Export Administration Regulations using only the provided context.
Respond with a single JSON object:
{"answer_label": one of ["license_required","no_license_required","permitted","permitted_with_license","prohibited","unanswerable"],
 "answer_text": string,
 "ear_sections": array of cited section ids exactly as they appear in the context headers,
 "rationale": string,
 "confidence": number between 0 and 1}
Cite only sections present in the context. If the context does not answer the question, use "unanswerable".`

// buildPrompt assembles the user message under the token budget: hits in
// score order, each prefixed with its section header, the last block
// truncated deterministically on a rune boundary when the budget
// runs out.
func buildPrompt(question string, hits []index.Hit, tokenBudget int) string {
	var b strings.Builder
	b.WriteString("Context:\n\n")

	remaining := tokenBudget
	for _, h := range hits {
		if remaining <= 0 {
			break
		}
		block := fmt.Sprintf("[%s]\n%s\n\n", citationID(h), h.Text)
		need := corpus.EstimateTokens(block)
		if need > remaining {
			keep := remaining * 4
			if keep < len(block) {
				for keep > 0 && !utf8.RuneStart(block[keep]) {
					keep--
				}
				block = block[:keep]
			}
			b.WriteString(block)
			break
		}
		b.WriteString(block)
		remaining -= need
	}

	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// citationID is the id a hit is cited by: anchored chunks cite their
// parent section.
func citationID(h index.Hit) string {
	if h.ParentID != "" {
		return h.ParentID
	}
	return h.SectionID
}
