// Package anthropic implements the model gateway's provider client for the
// Anthropic Messages API. Anthropic serves completions only; embed and
// rerank report ErrUnsupported so the gateway routes those tasks elsewhere.
package anthropic

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

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Client calls the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

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

func (c *Client) Name() string { return "anthropic" }

// Embed is not offered by this provider.
func (c *Client) Embed(ctx context.Context, model, text string) ([]float32, types.Usage, error) {
	return nil, types.Usage{}, types.ErrUnsupported
}

// Rerank is not offered by this provider.
func (c *Client) Rerank(ctx context.Context, model, query string, documents []string) ([]float64, types.Usage, error) {
	return nil, types.Usage{}, types.ErrUnsupported
}

type messagesRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []types.Message `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete runs a messages call. System-role messages are lifted into the
// top-level system field, which is how the Messages API expects them.
func (c *Client) Complete(ctx context.Context, model string, messages []types.Message, params types.CompletionParams) (string, types.Usage, error) {
	req := messagesRequest{
		Model:       model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}
	for _, m := range messages {
		if m.Role == "system" {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, m)
	}

	var resp messagesResponse
	if err := c.post(ctx, "/v1/messages", req, &resp); err != nil {
		return "", types.Usage{}, err
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", types.Usage{}, fmt.Errorf("anthropic: no text content for model %s", model)
	}
	usage := types.Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	return out.String(), usage, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("anthropic: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("anthropic: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(body)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return &types.APIError{Provider: "anthropic", Status: resp.StatusCode, Body: msg}
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		return fmt.Errorf("anthropic: decode response: %w", err)
	}
	return nil
}
