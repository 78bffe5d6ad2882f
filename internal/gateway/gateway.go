// Package gateway is the single entry point for model calls.
//
// Responsibilities:
//   - Route embed/rerank/complete tasks to configured providers
//   - Retry transient failures with exponential backoff, fail over on the rest
//   - Normalize embeddings and clamp rerank scores
//   - Cache identical calls and record per-call cost
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/cache"
	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/gateway/provider/anthropic"
	"github.com/engramd/engramd/internal/gateway/provider/ollama"
	"github.com/engramd/engramd/internal/gateway/provider/openai"
	"github.com/engramd/engramd/internal/gateway/types"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/metrics"
	"github.com/engramd/engramd/internal/models"
)

// Gateway exposes the three model tasks the service needs. Implementations
// hide provider selection, retries and fallback behind these calls.
type Gateway interface {
	// Embed returns an L2-normalized embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Rerank scores documents against query. Scores are clamped to [0, 1]
	// and returned in document order.
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
	// Complete runs a chat completion.
	Complete(ctx context.Context, messages []types.Message, params types.CompletionParams) (string, error)
}

// Client is one provider's implementation of the model operations. The set
// of providers is closed: openai, anthropic, ollama. Adding one means
// adding a case to buildClient, not registering a plugin.
type Client interface {
	Name() string
	Embed(ctx context.Context, model, text string) ([]float32, types.Usage, error)
	Rerank(ctx context.Context, model, query string, documents []string) ([]float64, types.Usage, error)
	Complete(ctx context.Context, model string, messages []types.Message, params types.CompletionParams) (string, types.Usage, error)
}

// CostSink receives one record per successful provider call. The store
// implements it; tests use fakes.
type CostSink interface {
	AppendCostRecord(ctx context.Context, rec *models.CostRecord) error
}

type projectKey struct{}

// WithProject tags ctx so cost records emitted by calls under it are
// attributed to projectID. Untagged calls record an empty project.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey{}, projectID)
}

func projectFrom(ctx context.Context) string {
	if id, ok := ctx.Value(projectKey{}).(string); ok {
		return id
	}
	return ""
}

// route is one "provider/model" candidate for a task.
type route struct {
	client Client
	model  string
}

type gatewayImpl struct {
	routes  map[config.TaskName][]route
	sems    map[string]chan struct{} // per-provider in-flight cap
	cache   *cache.LRU
	costs   CostSink
	logger  *zap.Logger
	timeout time.Duration

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	cacheTTL    time.Duration
}

// Option overrides a default during construction; used by tests to inject
// fake provider clients.
type Option func(*builder)

type builder struct {
	clients map[string]Client
}

// WithClient replaces the built-in client for a provider name.
func WithClient(name string, c Client) Option {
	return func(b *builder) { b.clients[name] = c }
}

// New builds a gateway from the models section of cfg. Every task reference
// must resolve to a configured provider; a broken reference fails here, not
// at first use.
func New(cfg *config.Config, costs CostSink, logger *zap.Logger, opts ...Option) (Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &builder{clients: make(map[string]Client)}
	for _, opt := range opts {
		opt(b)
	}

	httpClient := &http.Client{Timeout: cfg.Models.RequestTimeout}

	clients := make(map[string]Client, len(cfg.Models.Providers))
	for name, pc := range cfg.Models.Providers {
		if injected, ok := b.clients[name]; ok {
			clients[name] = injected
			continue
		}
		c, err := buildClient(name, pc, httpClient)
		if err != nil {
			return nil, err
		}
		clients[name] = c
	}

	routes := make(map[config.TaskName][]route, len(cfg.Models.Tasks))
	for task, tc := range cfg.Models.Tasks {
		refs := append([]string{tc.Primary}, tc.Fallback...)
		for _, ref := range refs {
			providerName, model := config.ModelRef(ref)
			c, ok := clients[providerName]
			if !ok {
				return nil, fmt.Errorf("task %s references unknown provider %q", task, providerName)
			}
			if model == "" {
				return nil, fmt.Errorf("task %s reference %q has no model", task, ref)
			}
			routes[task] = append(routes[task], route{client: c, model: model})
		}
	}

	sems := make(map[string]chan struct{}, len(clients))
	limit := cfg.Models.MaxConcurrent
	if limit <= 0 {
		limit = 10
	}
	for name := range clients {
		sems[name] = make(chan struct{}, limit)
	}

	g := &gatewayImpl{
		routes:      routes,
		sems:        sems,
		costs:       costs,
		logger:      logger.Named("gateway"),
		timeout:     cfg.Models.RequestTimeout,
		maxRetries:  cfg.Models.MaxRetries,
		baseBackoff: cfg.Models.RetryBaseBackoff,
		maxBackoff:  cfg.Models.RetryMaxBackoff,
		cacheTTL:    cfg.Models.CacheTTL,
	}
	if cfg.Models.CacheTTL > 0 {
		g.cache = cache.NewLRU(cfg.Models.CacheEntries)
	}
	return g, nil
}

func buildClient(name string, pc config.ProviderConfig, httpClient *http.Client) (Client, error) {
	switch name {
	case "openai":
		return openai.New(pc.APIKey, pc.BaseURL, httpClient), nil
	case "anthropic":
		return anthropic.New(pc.APIKey, pc.BaseURL, httpClient), nil
	case "ollama":
		return ollama.New(pc.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", name)
	}
}

// ─── Task implementations ───────────────────────────────────────────────────

func (g *gatewayImpl) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, memerr.E(memerr.CodeValidation, "embed input is empty", nil)
	}

	key := cacheKey("embed", text)
	if v, ok := g.cacheGet("embed", key); ok {
		return v.([]float32), nil
	}

	var vec []float32
	err := g.call(ctx, config.TaskEmbed, "embed", func(ctx context.Context, r route) (types.Usage, error) {
		raw, usage, err := r.client.Embed(ctx, r.model, text)
		if err != nil {
			return usage, err
		}
		normalized, err := normalize(raw)
		if err != nil {
			return usage, err
		}
		vec = normalized
		return usage, nil
	})
	if err != nil {
		return nil, err
	}

	g.cacheSet(key, vec)
	return vec, nil
}

func (g *gatewayImpl) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	key := cacheKey("rerank", query, documents...)
	if v, ok := g.cacheGet("rerank", key); ok {
		return v.([]float64), nil
	}

	var scores []float64
	err := g.call(ctx, config.TaskRerank, "rerank", func(ctx context.Context, r route) (types.Usage, error) {
		raw, usage, err := r.client.Rerank(ctx, r.model, query, documents)
		if err != nil {
			return usage, err
		}
		if len(raw) != len(documents) {
			return usage, fmt.Errorf("reranker returned %d scores for %d documents", len(raw), len(documents))
		}
		scores = make([]float64, len(raw))
		for i, s := range raw {
			scores[i] = clamp01(s)
		}
		return usage, nil
	})
	if err != nil {
		return nil, err
	}

	g.cacheSet(key, scores)
	return scores, nil
}

func (g *gatewayImpl) Complete(ctx context.Context, messages []types.Message, params types.CompletionParams) (string, error) {
	if len(messages) == 0 {
		return "", memerr.E(memerr.CodeValidation, "completion requires at least one message", nil)
	}

	var out string
	err := g.call(ctx, config.TaskComplete, "complete", func(ctx context.Context, r route) (types.Usage, error) {
		text, usage, err := r.client.Complete(ctx, r.model, messages, params)
		if err != nil {
			return usage, err
		}
		out = text
		return usage, nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// ─── Routing core ───────────────────────────────────────────────────────────

// call walks the task's route list. Each route gets up to maxRetries
// additional attempts on transient failures; non-transient failures move to
// the next route immediately. When every route is exhausted the task is
// unavailable.
func (g *gatewayImpl) call(ctx context.Context, task config.TaskName, operation string, fn func(context.Context, route) (types.Usage, error)) error {
	routes := g.routes[task]
	if len(routes) == 0 {
		return memerr.Ef(memerr.CodeProviderUnavailable, "no providers configured for task %s", task)
	}

	var lastErr error
	for _, r := range routes {
		err := g.callRoute(ctx, r, operation, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return memerr.E(memerr.CodeOf(ctx.Err()), "model call aborted", ctx.Err())
		}
		lastErr = err
		g.logger.Warn("provider failed, trying next",
			zap.String("operation", operation),
			zap.String("provider", r.client.Name()),
			zap.String("model", r.model),
			zap.Error(err))
	}
	return memerr.Ef(memerr.CodeProviderUnavailable, "all providers failed for %s: %v", operation, lastErr)
}

func (g *gatewayImpl) callRoute(ctx context.Context, r route, operation string, fn func(context.Context, route) (types.Usage, error)) error {
	sem := g.sems[r.client.Name()]
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, g.backoff(attempt)); err != nil {
				return err
			}
			g.logger.Debug("retrying provider call",
				zap.String("provider", r.client.Name()),
				zap.String("operation", operation),
				zap.Int("attempt", attempt))
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if g.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		}

		start := time.Now()
		usage, err := fn(callCtx, r)
		if cancel != nil {
			cancel()
		}
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.GatewayRequestsTotal.WithLabelValues(r.client.Name(), r.model, operation, status).Inc()
		metrics.GatewayRequestDuration.WithLabelValues(r.client.Name(), r.model, operation).Observe(elapsed.Seconds())

		if err == nil {
			g.recordCost(ctx, r, operation, usage)
			return nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if !types.Retryable(err) {
			// 4xx or unsupported: retrying the same provider cannot help.
			return err
		}
	}
	return lastErr
}

func (g *gatewayImpl) backoff(attempt int) time.Duration {
	d := g.baseBackoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if g.maxBackoff > 0 && d >= g.maxBackoff {
			return g.maxBackoff
		}
	}
	if g.maxBackoff > 0 && d > g.maxBackoff {
		d = g.maxBackoff
	}
	return d
}

func (g *gatewayImpl) recordCost(ctx context.Context, r route, operation string, usage types.Usage) {
	provider := r.client.Name()
	cost := costOf(provider, r.model, usage)

	metrics.GatewayTokensUsed.WithLabelValues(provider, r.model, "input").Add(float64(usage.InputTokens))
	metrics.GatewayTokensUsed.WithLabelValues(provider, r.model, "output").Add(float64(usage.OutputTokens))
	metrics.GatewayCostUSD.WithLabelValues(provider, r.model).Add(cost)

	if g.costs == nil {
		return
	}
	rec := &models.CostRecord{
		Provider:     provider,
		Model:        r.model,
		Operation:    operation,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         cost,
		Timestamp:    time.Now().UTC(),
		ProjectID:    projectFrom(ctx),
	}
	// Cost accounting is best-effort; a failed write must not fail the call.
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.costs.AppendCostRecord(writeCtx, rec); err != nil {
		g.logger.Warn("cost record write failed", zap.Error(err))
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (g *gatewayImpl) cacheGet(operation, key string) (any, bool) {
	if g.cache == nil {
		return nil, false
	}
	v, ok := g.cache.Get(key)
	outcome := "miss"
	if ok {
		outcome = "hit"
	}
	metrics.GatewayCacheHits.WithLabelValues(operation, outcome).Inc()
	return v, ok
}

func (g *gatewayImpl) cacheSet(key string, v any) {
	if g.cache != nil {
		g.cache.Set(key, v, g.cacheTTL)
	}
}

func cacheKey(operation, primary string, rest ...string) string {
	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(primary))
	for _, s := range rest {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalize returns the unit-length copy of vec.
func normalize(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, errors.New("provider returned an empty vector")
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, errors.New("provider returned a degenerate vector")
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
