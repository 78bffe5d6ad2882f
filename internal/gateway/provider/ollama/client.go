// Package ollama implements the model gateway's provider client for a local
// Ollama daemon. Embeddings and chat are supported; rerank is not part of
// the Ollama API.
package ollama

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

const defaultBaseURL = "http://localhost:11434"

// Client calls a local Ollama instance. No API key; access control is the
// host's problem.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *Client) Name() string { return "ollama" }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, types.Usage, error) {
	var resp embedResponse
	if err := c.post(ctx, "/api/embeddings", embedRequest{Model: model, Prompt: text}, &resp); err != nil {
		return nil, types.Usage{}, err
	}
	if len(resp.Embedding) == 0 {
		return nil, types.Usage{}, fmt.Errorf("ollama: empty embedding for model %s", model)
	}
	// Ollama does not report token usage on embeddings; approximate.
	return resp.Embedding, types.Usage{InputTokens: (len(text) + 3) / 4}, nil
}

// Rerank is not part of the Ollama API.
func (c *Client) Rerank(ctx context.Context, model, query string, documents []string) ([]float64, types.Usage, error) {
	return nil, types.Usage{}, types.ErrUnsupported
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  chatOptions     `json:"options"`
}

type chatOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func (c *Client) Complete(ctx context.Context, model string, messages []types.Message, params types.CompletionParams) (string, types.Usage, error) {
	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options: chatOptions{
			NumPredict:  params.MaxTokens,
			Temperature: params.Temperature,
		},
	}
	var resp chatResponse
	if err := c.post(ctx, "/api/chat", req, &resp); err != nil {
		return "", types.Usage{}, err
	}
	usage := types.Usage{
		InputTokens:  resp.PromptEvalCount,
		OutputTokens: resp.EvalCount,
	}
	return resp.Message.Content, usage, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ollama: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &types.APIError{Provider: "ollama", Status: resp.StatusCode, Body: msg}
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("ollama: decode response: %w", err)
	}
	return nil
}
