// Package injector assembles enriched prompts from retrieval results. Near-
// duplicate results are filtered by keyword overlap, the survivors are
// ordered by unit-type priority and trimmed to a token budget, and the
// original user prompt is always appended verbatim. An optional fusion pass
// lets a completion model consolidate the context block first.
package injector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/gateway"
	"github.com/engramd/engramd/internal/gateway/types"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/tokens"
)

// Mode budgets, in tokens. Comprehensive uses the configured budget
// (0 = unbounded).
const (
	balancedBudget     = 2000
	conservativeBudget = 800
)

// Options tunes one injection.
type Options struct {
	Mode models.InjectionMode
	// TokenBudget overrides the mode budget when positive.
	TokenBudget int
	// Fusion overrides the configured default when non-nil.
	Fusion *bool
}

// Result is the enriched prompt plus which units made it in.
type Result struct {
	Prompt          string   `json:"enhanced_prompt"`
	InjectedUnitIDs []string `json:"injected_unit_ids"`
	Fused           bool     `json:"fused,omitempty"`
}

// Injector builds enriched prompts.
type Injector struct {
	gw     gateway.Gateway
	logger *zap.Logger

	budget             int
	diversityThreshold float64
	fusionEnabled      bool
}

// New builds an injector from the injector section of cfg.
func New(cfg *config.Config, gw gateway.Gateway, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.Injector.DiversityThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Injector{
		gw:                 gw,
		logger:             logger.Named("injector"),
		budget:             cfg.Injector.TokenBudget,
		diversityThreshold: threshold,
		fusionEnabled:      cfg.Injector.FusionEnabled,
	}
}

// Inject builds the enriched prompt. With no results the original prompt
// comes back unchanged; in every case the original prompt appears verbatim
// as the final section.
func (inj *Injector) Inject(ctx context.Context, originalPrompt, query string, results []*models.RetrievalResult, opts Options) (*Result, error) {
	if len(results) == 0 {
		return &Result{Prompt: originalPrompt}, nil
	}

	admitted := inj.diversityFilter(results)
	admitted = sortByTypePriority(admitted)
	admitted = inj.applyBudget(admitted, inj.budgetFor(opts))

	if len(admitted) == 0 {
		return &Result{Prompt: originalPrompt}, nil
	}

	ids := make([]string, len(admitted))
	for i, r := range admitted {
		ids[i] = r.Unit.UnitID
	}

	fusion := inj.fusionEnabled
	if opts.Fusion != nil {
		fusion = *opts.Fusion
	}

	var contextBlock string
	fused := false
	if fusion {
		if block, err := inj.fuse(ctx, query, admitted); err != nil {
			inj.logger.Warn("fusion failed, falling back to concatenation", zap.Error(err))
		} else {
			contextBlock = block
			fused = true
		}
	}
	if contextBlock == "" {
		contextBlock = renderSections(admitted)
	}

	var sb strings.Builder
	sb.WriteString("# Relevant memory\n\n")
	sb.WriteString(contextBlock)
	if !strings.HasSuffix(contextBlock, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("\n# Original request\n\n")
	sb.WriteString(originalPrompt)

	return &Result{Prompt: sb.String(), InjectedUnitIDs: ids, Fused: fused}, nil
}

func (inj *Injector) budgetFor(opts Options) int {
	if opts.TokenBudget > 0 {
		return opts.TokenBudget
	}
	switch opts.Mode {
	case models.ModeBalanced:
		return balancedBudget
	case models.ModeConservative:
		return conservativeBudget
	default:
		return inj.budget
	}
}

// diversityFilter admits a result only when its keyword overlap with every
// already-admitted result stays below the threshold. Results without
// keywords always pass.
func (inj *Injector) diversityFilter(results []*models.RetrievalResult) []*models.RetrievalResult {
	var admitted []*models.RetrievalResult
	for _, r := range results {
		diverse := true
		for _, a := range admitted {
			if jaccard(r.Unit.Keywords, a.Unit.Keywords) >= inj.diversityThreshold {
				diverse = false
				break
			}
		}
		if diverse {
			admitted = append(admitted, r)
		}
	}
	return admitted
}

// sortByTypePriority stable-sorts by unit-type priority descending,
// preserving score order within a type.
func sortByTypePriority(results []*models.RetrievalResult) []*models.RetrievalResult {
	out := make([]*models.RetrievalResult, len(results))
	copy(out, results)
	sort.SliceStable(out, func(i, j int) bool {
		return models.PriorityOf(out[i].Unit.UnitType) > models.PriorityOf(out[j].Unit.UnitType)
	})
	return out
}

// applyBudget keeps results while the running token total fits. Budget 0
// means unbounded. The list is priority-ordered, so the dropped tail is the
// lowest-priority one.
func (inj *Injector) applyBudget(results []*models.RetrievalResult, budget int) []*models.RetrievalResult {
	if budget <= 0 {
		return results
	}
	var out []*models.RetrievalResult
	total := 0
	for _, r := range results {
		cost := r.Unit.TokenCount
		if cost <= 0 {
			cost = tokens.Count(r.Unit.Title + r.Unit.Summary + r.Unit.Content)
		}
		if total+cost > budget {
			break
		}
		total += cost
		out = append(out, r)
	}
	return out
}

func renderSections(results []*models.RetrievalResult) string {
	var sb strings.Builder
	for i, r := range results {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## [%s] %s\n\n", r.Unit.UnitType, r.Unit.Title)
		if r.Unit.Summary != "" {
			sb.WriteString(r.Unit.Summary)
			sb.WriteString("\n")
		}
		if r.Unit.Content != "" && r.Unit.Content != r.Unit.Summary {
			sb.WriteString("\n")
			sb.WriteString(r.Unit.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// fuse asks the completion model to consolidate the admitted units into one
// context block. The fused text replaces only the context sections; the
// original prompt section is appended afterwards regardless of what the
// model returns.
func (inj *Injector) fuse(ctx context.Context, query string, results []*models.RetrievalResult) (string, error) {
	out, err := inj.gw.Complete(ctx, []types.Message{
		{Role: "system", Content: fusionPrompt},
		{Role: "user", Content: "Query: " + query + "\n\n" + renderSections(results)},
	}, types.CompletionParams{MaxTokens: 1200, Temperature: 0.2})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("fusion returned empty output")
	}
	return out, nil
}

// jaccard computes set overlap between two keyword lists, case-insensitive.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, k := range a {
		setA[strings.ToLower(k)] = true
	}
	inter := 0
	union := len(setA)
	seenB := make(map[string]bool, len(b))
	for _, k := range b {
		k = strings.ToLower(k)
		if seenB[k] {
			continue
		}
		seenB[k] = true
		if setA[k] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

const fusionPrompt = `You consolidate retrieved memory snippets into one coherent context block for an AI coding assistant. Merge overlapping facts, keep file names, commands, decisions and error details, drop filler. Output plain markdown, no preamble. Never answer the query itself.`
