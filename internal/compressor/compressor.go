// Package compressor turns finished conversations into memory units. A
// completion model distills the transcript into a titled summary with
// keywords; transcripts too large for one call are folded chunk by chunk
// first. Model output is requested as JSON but parsed defensively, since
// models wrap envelopes in prose and code fences at will.
package compressor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/gateway"
	"github.com/engramd/engramd/internal/gateway/types"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/metrics"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/tokens"
)

const (
	// maxTitleLen mirrors the storage column contract.
	maxTitleLen = 500
	// maxInputTokens bounds one compression call; longer transcripts fold.
	maxInputTokens = 6000
	// maxEmbedTokens bounds the text sent to the embedding model.
	maxEmbedTokens = 2000
	maxKeywords    = 12
)

// Compressor distills conversations into memory units.
type Compressor interface {
	// Compress returns a memory unit for the conversation, or a validation
	// error when the conversation has nothing worth remembering.
	Compress(ctx context.Context, conv *models.Conversation, msgs []*models.Message) (*models.MemoryUnit, error)
	// EmbeddingText is the canonical text embedded for a unit.
	EmbeddingText(unit *models.MemoryUnit) string
}

type compressorImpl struct {
	gw     gateway.Gateway
	logger *zap.Logger
}

func New(gw gateway.Gateway, logger *zap.Logger) Compressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &compressorImpl{gw: gw, logger: logger.Named("compressor")}
}

// Ingestable reports whether a transcript is worth compressing: at least one
// human turn and one assistant turn. Tool chatter alone never becomes memory.
func Ingestable(msgs []*models.Message) bool {
	var human, assistant bool
	for _, m := range msgs {
		switch m.Role {
		case models.RoleHuman:
			human = true
		case models.RoleAssistant:
			assistant = true
		}
	}
	return human && assistant
}

func (c *compressorImpl) Compress(ctx context.Context, conv *models.Conversation, msgs []*models.Message) (*models.MemoryUnit, error) {
	if !Ingestable(msgs) {
		metrics.CompressionsTotal.WithLabelValues("skipped").Inc()
		return nil, memerr.E(memerr.CodeValidation,
			"conversation has no human/assistant exchange to compress", nil)
	}

	transcript := renderTranscript(msgs)
	folded, err := c.fold(ctx, transcript)
	if err != nil {
		metrics.CompressionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	env, err := c.distill(ctx, folded)
	if err != nil {
		metrics.CompressionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	now := time.Now().UTC()
	unit := &models.MemoryUnit{
		UnitID:         uuid.NewString(),
		ProjectID:      conv.ProjectID,
		ConversationID: conv.ConversationID,
		UnitType:       env.unitType(),
		Title:          env.plainTitle(),
		Summary:        env.Summary,
		Content:        env.Content,
		Keywords:       env.keywords(),
		RelevanceScore: clamp01(env.Relevance),
		CreatedAt:      now,
		UpdatedAt:      now,
		IsActive:       true,
	}
	if unit.Content == "" {
		unit.Content = env.Summary
	}
	unit.TokenCount = tokens.Count(unit.Title + unit.Summary + unit.Content)

	metrics.CompressionsTotal.WithLabelValues("ok").Inc()
	return unit, nil
}

func (c *compressorImpl) EmbeddingText(unit *models.MemoryUnit) string {
	text := unit.Title + "\n" + unit.Summary + "\n" + unit.Content
	return tokens.Truncate(text, maxEmbedTokens)
}

// fold reduces an oversized transcript by summarizing fixed-size chunks and
// concatenating the partial summaries. One level of folding is enough for
// any transcript the CLI realistically produces.
func (c *compressorImpl) fold(ctx context.Context, transcript string) (string, error) {
	if tokens.Count(transcript) <= maxInputTokens {
		return transcript, nil
	}

	chunks := splitByTokens(transcript, maxInputTokens)
	c.logger.Debug("folding oversized transcript", zap.Int("chunks", len(chunks)))

	var parts []string
	for i, chunk := range chunks {
		out, err := c.gw.Complete(ctx, []types.Message{
			{Role: "system", Content: chunkPrompt},
			{Role: "user", Content: chunk},
		}, types.CompletionParams{MaxTokens: 600, Temperature: 0.2})
		if err != nil {
			return "", fmt.Errorf("fold chunk %d/%d: %w", i+1, len(chunks), err)
		}
		parts = append(parts, strings.TrimSpace(out))
	}
	return strings.Join(parts, "\n\n"), nil
}

func (c *compressorImpl) distill(ctx context.Context, transcript string) (*envelope, error) {
	out, err := c.gw.Complete(ctx, []types.Message{
		{Role: "system", Content: compressPrompt},
		{Role: "user", Content: transcript},
	}, types.CompletionParams{MaxTokens: 1500, Temperature: 0.2})
	if err != nil {
		return nil, err
	}

	env, err := parseEnvelope(out)
	if err != nil {
		return nil, memerr.E(memerr.CodeInternal, "compression output unusable", err)
	}
	return env, nil
}

// ─── Model output parsing ───────────────────────────────────────────────────

type envelope struct {
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Content   string   `json:"content"`
	Keywords  []string `json:"keywords"`
	UnitType  string   `json:"unit_type"`
	Relevance float64  `json:"relevance_score"`
}

// parseEnvelope extracts the JSON envelope from model output, tolerating
// code fences and surrounding prose.
func parseEnvelope(out string) (*envelope, error) {
	raw := extractJSON(out)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.Summary) == "" {
		return nil, fmt.Errorf("envelope missing summary")
	}
	return &env, nil
}

// extractJSON returns the first balanced top-level JSON object in s.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// plainTitle guarantees a plain-text title. Some models echo the whole
// envelope into the title field; in that case the inner title is pulled out.
func (e *envelope) plainTitle() string {
	title := strings.TrimSpace(e.Title)
	if strings.HasPrefix(title, "{") {
		var inner struct {
			Title string `json:"title"`
		}
		if raw := extractJSON(title); raw != "" {
			if err := json.Unmarshal([]byte(raw), &inner); err == nil && inner.Title != "" {
				title = strings.TrimSpace(inner.Title)
			}
		}
	}
	if title == "" {
		title = firstLine(e.Summary)
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title
}

func (e *envelope) unitType() models.UnitType {
	t := models.UnitType(strings.ToUpper(strings.TrimSpace(e.UnitType)))
	if models.ValidUnitType(t) {
		return t
	}
	return models.UnitConversation
}

func (e *envelope) keywords() []string {
	seen := make(map[string]bool, len(e.Keywords))
	var out []string
	for _, kw := range e.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func renderTranscript(msgs []*models.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// splitByTokens cuts text into pieces of at most budget tokens, preferring
// paragraph boundaries.
func splitByTokens(text string, budget int) []string {
	paragraphs := strings.Split(text, "\n\n")
	var chunks []string
	var cur strings.Builder
	curTokens := 0
	for _, p := range paragraphs {
		pt := tokens.Count(p)
		if curTokens > 0 && curTokens+pt > budget {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curTokens = 0
		}
		if pt > budget {
			chunks = append(chunks, tokens.Truncate(p, budget))
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
		curTokens += pt
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

const chunkPrompt = `You summarize part of a longer conversation between a developer and an AI assistant. Produce a dense factual summary of this excerpt in plain text. Keep decisions, errors, file names, commands and outcomes. No preamble.`

const compressPrompt = `You compress a developer/assistant conversation into long-term memory. Respond with a single JSON object and nothing else:

{
  "title": "short plain-text title, no JSON, max 500 chars",
  "summary": "2-5 sentence summary of what happened and why it matters",
  "content": "the durable facts: decisions made, errors and fixes, commands, file paths, constraints",
  "keywords": ["5-12 lowercase search keywords"],
  "unit_type": "CONVERSATION | ERROR_LOG | DECISION | CODE_SNIPPET | DOCUMENTATION",
  "relevance_score": 0.0
}

relevance_score is your judgement of long-term usefulness between 0 and 1. Pick ERROR_LOG when the conversation is mainly about diagnosing a failure, DECISION when it records a choice between alternatives, CODE_SNIPPET when a reusable piece of code is the main artifact, DOCUMENTATION when it explains how something works.`
