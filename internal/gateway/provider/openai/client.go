// Package openai implements the model gateway's provider client for the
// OpenAI API and OpenAI-compatible endpoints. It speaks /embeddings,
// /chat/completions and the /rerank shape exposed by compatible rerankers.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/engramd/engramd/internal/gateway/types"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client calls an OpenAI-compatible HTTP API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New creates a client. baseURL may be empty for the hosted API; httpClient
// carries the gateway's per-request timeout.
func New(apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Name identifies this provider in routing, logs and cost records.
func (c *Client) Name() string { return "openai" }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns the raw (not yet normalized) embedding for text.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, types.Usage, error) {
	var resp embeddingResponse
	err := c.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: []string{text}}, &resp)
	if err != nil {
		return nil, types.Usage{}, err
	}
	if len(resp.Data) == 0 {
		return nil, types.Usage{}, fmt.Errorf("openai: empty embedding response for model %s", model)
	}
	usage := types.Usage{InputTokens: resp.Usage.PromptTokens}
	return resp.Data[0].Embedding, usage, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Rerank scores documents against query, returning one score per document in
// input order. Requires a base URL pointing at a reranker that exposes the
// Cohere-style /rerank endpoint.
func (c *Client) Rerank(ctx context.Context, model, query string, documents []string) ([]float64, types.Usage, error) {
	var resp rerankResponse
	err := c.post(ctx, "/rerank", rerankRequest{Model: model, Query: query, Documents: documents}, &resp)
	if err != nil {
		return nil, types.Usage{}, err
	}
	scores := make([]float64, len(documents))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, types.Usage{}, fmt.Errorf("openai: rerank index %d out of range", r.Index)
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, types.Usage{InputTokens: resp.Usage.TotalTokens}, nil
}

type chatRequest struct {
	Model       string          `json:"model"`
	Messages    []types.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete runs a chat completion and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, model string, messages []types.Message, params types.CompletionParams) (string, types.Usage, error) {
	req := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}
	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return "", types.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", types.Usage{}, fmt.Errorf("openai: empty completion response for model %s", model)
	}
	usage := types.Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &types.APIError{Provider: "openai", Status: resp.StatusCode, Body: truncate(body)}
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
