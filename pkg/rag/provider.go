// Package rag answers questions about the regulatory corpus with
// retrieval-augmented generation under a strict output contract. Every
// answer passes through finalize: thin-retrieval gating, citation
// grounding against the corpus, and a closed label set. No configuration
// can route around it.
package rag

import "context"

// Provider is a chat-completion backend. Implementations must honour
// JSON response mode; the pipeline always requests it.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model          string    `json:"model"`
	Messages       []Message `json:"messages"`
	Temperature    float64   `json:"temperature,omitempty"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	ResponseFormat string    `json:"response_format,omitempty"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is a completion result.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}
