package corpus

import "strings"

// maxChunkTokens bounds a single retrieval chunk. Token counts are
// estimated at ~4 characters per token, which tracks cl100k-family
// tokenizers closely enough for budgeting.
const maxChunkTokens = 512

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// splitParagraphs splits section text on blank-line boundaries. Runs of
// lines with only whitespace separate paragraphs; leading/trailing
// whitespace inside a paragraph is trimmed. Order is source order.
func splitParagraphs(text string) []string {
	var paras []string
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		p := strings.TrimSpace(strings.Join(cur, "\n"))
		if p != "" {
			paras = append(paras, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return paras
}

// splitOversize breaks a paragraph that exceeds the chunk budget into
// pieces on Unicode space boundaries. The rule is positional, not
// semantic: greedily pack whole words until the budget would overflow,
// so the same input always yields the same pieces.
func splitOversize(para string, budget int) []string {
	if EstimateTokens(para) <= budget {
		return []string{para}
	}
	words := strings.Fields(para)
	var out []string
	var cur strings.Builder
	for _, w := range words {
		need := len(w)
		if cur.Len() > 0 {
			need++
		}
		if cur.Len() > 0 && EstimateTokens(cur.String())+need/4+1 > budget {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// chunkSection returns the retrieval chunks for one section body in
// source order. Sections within budget come back as a single chunk;
// longer sections split on blank lines, then on the token budget.
func chunkSection(text string) []string {
	trimmed := strings.TrimSpace(text)
	if EstimateTokens(trimmed) <= maxChunkTokens {
		return []string{trimmed}
	}
	var chunks []string
	for _, para := range splitParagraphs(trimmed) {
		chunks = append(chunks, splitOversize(para, maxChunkTokens)...)
	}
	return chunks
}
