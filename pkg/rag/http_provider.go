package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/earcrawler/earcrawler/pkg/errkind"
)

// ProviderConfig wires an OpenAI-compatible chat endpoint. The API key is
// held only by the client and never surfaces in errors or logs.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// httpProvider talks to any OpenAI-compatible /v1/chat/completions API.
type httpProvider struct {
	cfg    ProviderConfig
	client *http.Client
}

// NewHTTPProvider returns a Provider over an OpenAI-compatible API.
func NewHTTPProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errkind.New(errkind.InvalidInput, "rag.provider", "base URL is required")
	}
	return &httpProvider{
		cfg: cfg,
		// Generous for local backends that load models on first request.
		client: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *httpProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	const op = "rag.provider"

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	body := chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.ResponseFormat == "json_object" {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.Timeout, op, ctx.Err())
		}
		// The transport error may embed the request URL but never the
		// Authorization header.
		return nil, errkind.Wrap(errkind.Upstream, op, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, errkind.Wrap(errkind.Upstream, op, err)
	}
	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, errkind.New(errkind.ResourceExhausted, op, "provider throttled the request")
	}
	if httpResp.StatusCode/100 != 2 {
		return nil, errkind.New(errkind.Upstream, op, "provider returned status %d", httpResp.StatusCode)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errkind.Wrap(errkind.Upstream, op, err)
	}
	if len(resp.Choices) == 0 {
		return nil, errkind.New(errkind.Upstream, op, "no choices in response")
	}
	return &ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		FinishReason:     resp.Choices[0].FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}
