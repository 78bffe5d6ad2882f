package injector

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/gateway/types"
	"github.com/engramd/engramd/internal/models"
)

type fakeGateway struct {
	completeOut string
	completeErr error
	calls       int
}

func (f *fakeGateway) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (f *fakeGateway) Rerank(context.Context, string, []string) ([]float64, error) {
	return nil, nil
}
func (f *fakeGateway) Complete(context.Context, []types.Message, types.CompletionParams) (string, error) {
	f.calls++
	return f.completeOut, f.completeErr
}

func result(id string, unitType models.UnitType, title string, tokenCount int, keywords ...string) *models.RetrievalResult {
	return &models.RetrievalResult{
		Unit: &models.MemoryUnit{
			UnitID:     id,
			UnitType:   unitType,
			Title:      title,
			Summary:    "summary for " + title,
			Keywords:   keywords,
			TokenCount: tokenCount,
		},
		Score: 0.9,
	}
}

func newInjector(fusion bool, gw *fakeGateway) *Injector {
	cfg := config.DefaultConfig()
	cfg.Injector.FusionEnabled = fusion
	return New(cfg, gw, nil)
}

func TestInjectEmptyResultsReturnsPromptUnchanged(t *testing.T) {
	inj := newInjector(false, &fakeGateway{})
	out, err := inj.Inject(context.Background(), "what is a b-tree?", "b-tree", nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "what is a b-tree?", out.Prompt)
	assert.Empty(t, out.InjectedUnitIDs)
}

func TestInjectPreservesPromptVerbatim(t *testing.T) {
	inj := newInjector(false, &fakeGateway{})
	prompt := "fix the flaky test\nin ci, please"
	out, err := inj.Inject(context.Background(), prompt, "flaky test", []*models.RetrievalResult{
		result("u1", models.UnitConversation, "ci flakes", 40, "ci"),
	}, Options{})
	require.NoError(t, err)
	assert.Contains(t, out.Prompt, prompt)
	assert.Contains(t, out.Prompt, "ci flakes")
	assert.Equal(t, []string{"u1"}, out.InjectedUnitIDs)
}

func TestDiversityFilterDropsNearDuplicates(t *testing.T) {
	inj := newInjector(false, &fakeGateway{})

	a := result("u1", models.UnitConversation, "first", 10, "redis", "cache", "ttl")
	dup := result("u2", models.UnitConversation, "duplicate", 10, "redis", "cache", "ttl")
	other := result("u3", models.UnitConversation, "other", 10, "grpc", "retry")

	out, err := inj.Inject(context.Background(), "p", "q", []*models.RetrievalResult{a, dup, other}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, out.InjectedUnitIDs)
}

func TestTypePriorityOrdering(t *testing.T) {
	inj := newInjector(false, &fakeGateway{})

	conv := result("u1", models.UnitConversation, "the conversation", 10, "a1")
	doc := result("u2", models.UnitDocumentation, "the documentation", 10, "a2")
	dec := result("u3", models.UnitDecision, "the decision", 10, "a3")

	out, err := inj.Inject(context.Background(), "p", "q", []*models.RetrievalResult{conv, doc, dec}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"u3", "u2", "u1"}, out.InjectedUnitIDs)

	// Titles appear in priority order in the rendered prompt.
	iDec := strings.Index(out.Prompt, "the decision")
	iDoc := strings.Index(out.Prompt, "the documentation")
	iConv := strings.Index(out.Prompt, "the conversation")
	assert.True(t, iDec < iDoc && iDoc < iConv)
}

func TestTokenBudgetKeepsHighestPriorityHead(t *testing.T) {
	inj := newInjector(false, &fakeGateway{})

	results := []*models.RetrievalResult{
		result("u1", models.UnitConversation, "one", 60, "k1"),
		result("u2", models.UnitConversation, "two", 60, "k2"),
		result("u3", models.UnitConversation, "three", 60, "k3"),
	}
	prompt := "original prompt"
	out, err := inj.Inject(context.Background(), prompt, "q", results, Options{TokenBudget: 100})
	require.NoError(t, err)
	assert.Len(t, out.InjectedUnitIDs, 1)
	assert.Contains(t, out.Prompt, prompt)
}

func TestModeBudgets(t *testing.T) {
	inj := newInjector(false, &fakeGateway{})
	assert.Equal(t, 0, inj.budgetFor(Options{Mode: models.ModeComprehensive}))
	assert.Equal(t, balancedBudget, inj.budgetFor(Options{Mode: models.ModeBalanced}))
	assert.Equal(t, conservativeBudget, inj.budgetFor(Options{Mode: models.ModeConservative}))
	assert.Equal(t, 42, inj.budgetFor(Options{Mode: models.ModeBalanced, TokenBudget: 42}))
}

func TestFusionConsolidatesButKeepsPrompt(t *testing.T) {
	gw := &fakeGateway{completeOut: "FUSED CONTEXT BLOCK"}
	inj := newInjector(true, gw)

	prompt := "the untouchable prompt"
	out, err := inj.Inject(context.Background(), prompt, "q", []*models.RetrievalResult{
		result("u1", models.UnitConversation, "alpha", 10, "a"),
		result("u2", models.UnitConversation, "beta", 10, "b"),
	}, Options{})
	require.NoError(t, err)
	assert.True(t, out.Fused)
	assert.Contains(t, out.Prompt, "FUSED CONTEXT BLOCK")
	assert.Contains(t, out.Prompt, prompt)
	assert.Equal(t, 1, gw.calls)
}

func TestFusionFailureFallsBackToConcatenation(t *testing.T) {
	gw := &fakeGateway{completeErr: fmt.Errorf("model down")}
	inj := newInjector(true, gw)

	out, err := inj.Inject(context.Background(), "p", "q", []*models.RetrievalResult{
		result("u1", models.UnitConversation, "alpha", 10, "a"),
	}, Options{})
	require.NoError(t, err)
	assert.False(t, out.Fused)
	assert.Contains(t, out.Prompt, "alpha")
	assert.Contains(t, out.Prompt, "p")
}

func TestJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, jaccard([]string{"a", "b"}, []string{"B", "A"}), 1e-9)
	assert.InDelta(t, 1.0/3, jaccard([]string{"a", "b"}, []string{"b", "c"}), 1e-9)
	assert.Zero(t, jaccard(nil, []string{"a"}))
}
