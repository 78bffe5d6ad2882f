package retriever

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/gateway/types"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/store"
	"github.com/engramd/engramd/internal/vector"
)

// fakeGateway scripts the model calls a retrieval makes.
type fakeGateway struct {
	embedVec     []float32
	embedErr     error
	rerankScores []float64
	rerankErr    error
	rerankCalls  int
}

func (f *fakeGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedVec, nil
}

func (f *fakeGateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	f.rerankCalls++
	if f.rerankErr != nil {
		return nil, f.rerankErr
	}
	scores := make([]float64, len(docs))
	for i := range docs {
		if i < len(f.rerankScores) {
			scores[i] = f.rerankScores[i]
		}
	}
	return scores, nil
}

func (f *fakeGateway) Complete(ctx context.Context, msgs []types.Message, params types.CompletionParams) (string, error) {
	return "", nil
}

// fakeVector serves scripted hits per project.
type fakeVector struct {
	hits map[string][]*vector.Hit
	err  error
}

func (f *fakeVector) EnsureCollection(context.Context) error { return nil }
func (f *fakeVector) Upsert(context.Context, *models.MemoryUnit, []float32) error {
	return nil
}
func (f *fakeVector) Search(_ context.Context, q vector.SearchQuery) ([]*vector.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[q.ProjectID], nil
}
func (f *fakeVector) Delete(context.Context, string) error  { return nil }
func (f *fakeVector) Count(context.Context) (uint64, error) { return 0, nil }
func (f *fakeVector) Ping(context.Context) error            { return nil }
func (f *fakeVector) Close() error                          { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.URL = ":memory:"
	return cfg
}

func seedUnit(t *testing.T, st store.Store, u *models.MemoryUnit) {
	t.Helper()
	require.NoError(t, st.UpsertProject(context.Background(), u.ProjectID, u.ProjectID))
	require.NoError(t, st.InsertMemoryUnit(context.Background(), u))
}

func unitFixture(id, project string, unitType models.UnitType, keywords []string, age time.Duration) *models.MemoryUnit {
	now := time.Now().UTC().Add(-age)
	return &models.MemoryUnit{
		UnitID:         id,
		ProjectID:      project,
		UnitType:       unitType,
		Title:          "unit " + id,
		Summary:        "summary of " + id,
		Content:        "content of " + id,
		Keywords:       keywords,
		RelevanceScore: 0.8,
		TokenCount:     50,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsActive:       true,
	}
}

func TestHybridMergeBoostsDoubleHits(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	both := unitFixture("11111111-0000-0000-0000-000000000001", "global", models.UnitConversation, []string{"btree", "index"}, 0)
	kwOnly := unitFixture("11111111-0000-0000-0000-000000000002", "global", models.UnitConversation, []string{"btree"}, 0)
	seedUnit(t, st, both)
	seedUnit(t, st, kwOnly)

	gw := &fakeGateway{embedVec: []float32{1, 0}, rerankErr: memerr.Ef(memerr.CodeProviderUnavailable, "no reranker")}
	vs := &fakeVector{hits: map[string][]*vector.Hit{
		"global": {{UnitID: both.UnitID, Score: 0.9}},
	}}

	r := New(testConfig(), gw, st, vs, nil, nil)
	results, err := r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "btree index",
		QueryType: models.QueryHybrid,
		ProjectID: "global",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Both branches found the first unit: semantic 0.9 plus 30% of the
	// perfect keyword score, tagged hybrid.
	assert.Equal(t, both.UnitID, results[0].Unit.UnitID)
	assert.Equal(t, models.QueryHybrid, results[0].Source)
	assert.InDelta(t, 0.9+0.3*1.0, results[0].Score, 0.01)

	assert.Equal(t, kwOnly.UnitID, results[1].Unit.UnitID)
	assert.Equal(t, models.QueryKeyword, results[1].Source)
}

func TestKeywordBranchSurvivesEmbedOutage(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	u := unitFixture("22222222-0000-0000-0000-000000000001", "global", models.UnitConversation, []string{"balanced", "tree"}, 0)
	seedUnit(t, st, u)

	gw := &fakeGateway{embedErr: memerr.Ef(memerr.CodeProviderUnavailable, "embedding provider down")}
	r := New(testConfig(), gw, st, &fakeVector{}, nil, nil)

	results, err := r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "balanced tree",
		QueryType: models.QueryHybrid,
		ProjectID: "global",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, u.UnitID, results[0].Unit.UnitID)
	assert.Equal(t, models.QueryKeyword, results[0].Source)
}

func TestSemanticOnlyFailsWhenEmbedFails(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	gw := &fakeGateway{embedErr: memerr.Ef(memerr.CodeProviderUnavailable, "down")}
	r := New(testConfig(), gw, st, &fakeVector{}, nil, nil)

	_, err = r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "anything",
		QueryType: models.QuerySemantic,
		ProjectID: "global",
	})
	require.Error(t, err)
	assert.Equal(t, memerr.CodeProviderUnavailable, memerr.CodeOf(err))
}

func TestRerankReplacesScores(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	a := unitFixture("33333333-0000-0000-0000-000000000001", "global", models.UnitConversation, []string{"alpha"}, 0)
	b := unitFixture("33333333-0000-0000-0000-000000000002", "global", models.UnitConversation, []string{"beta"}, 0)
	seedUnit(t, st, a)
	seedUnit(t, st, b)

	// Semantic favors a, the reranker flips the order.
	gw := &fakeGateway{embedVec: []float32{1, 0}, rerankScores: []float64{0.4, 0.95}}
	vs := &fakeVector{hits: map[string][]*vector.Hit{
		"global": {{UnitID: a.UnitID, Score: 0.9}, {UnitID: b.UnitID, Score: 0.8}},
	}}

	r := New(testConfig(), gw, st, vs, nil, nil)
	results, err := r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "alpha beta",
		QueryType: models.QuerySemantic,
		ProjectID: "global",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, b.UnitID, results[0].Unit.UnitID)
	assert.InDelta(t, 0.95, results[0].RerankScore, 1e-9)
	assert.Equal(t, 1, gw.rerankCalls)
}

func TestMinScoreAppliesAfterPolicyRerank(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	// Old enough that a perfect keyword score decays below the 0.5
	// threshold (half-life 30 days, age 60 days: exp(-2) ≈ 0.14).
	old := unitFixture("44444444-0000-0000-0000-000000000001", "global", models.UnitConversation, []string{"postgres"}, 60*24*time.Hour)
	fresh := unitFixture("44444444-0000-0000-0000-000000000002", "global", models.UnitConversation, []string{"postgres"}, 0)
	seedUnit(t, st, old)
	seedUnit(t, st, fresh)

	gw := &fakeGateway{embedErr: memerr.Ef(memerr.CodeProviderUnavailable, "down")}
	r := New(testConfig(), gw, st, &fakeVector{}, nil, nil)

	results, err := r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "postgres",
		QueryType: models.QueryKeyword,
		ProjectID: "global",
		MinScore:  0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, fresh.UnitID, results[0].Unit.UnitID)
}

func TestTieBreakPrefersHigherTypePriority(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	created := time.Now().UTC()
	conv := unitFixture("55555555-0000-0000-0000-000000000001", "global", models.UnitConversation, []string{"deploy"}, 0)
	decision := unitFixture("55555555-0000-0000-0000-000000000002", "global", models.UnitDecision, []string{"deploy"}, 0)
	conv.CreatedAt, decision.CreatedAt = created, created
	seedUnit(t, st, conv)
	seedUnit(t, st, decision)

	gw := &fakeGateway{embedErr: memerr.Ef(memerr.CodeProviderUnavailable, "down")}
	r := New(testConfig(), gw, st, &fakeVector{}, nil, nil)

	// type_priority multiplies scores apart; use quality_boost so both stay
	// equal (same relevance) and the tie-break decides.
	results, err := r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "deploy",
		QueryType: models.QueryKeyword,
		ProjectID: "global",
		Strategy:  models.StrategyQualityBoost,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, decision.UnitID, results[0].Unit.UnitID)
}

func TestExpiredUnitsFiltered(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	expired := unitFixture("66666666-0000-0000-0000-000000000001", "global", models.UnitConversation, []string{"stale"}, 2*time.Hour)
	past := time.Now().UTC().Add(-time.Hour)
	expired.ExpiresAt = &past
	seedUnit(t, st, expired)

	gw := &fakeGateway{embedErr: memerr.Ef(memerr.CodeProviderUnavailable, "down")}
	r := New(testConfig(), gw, st, &fakeVector{}, nil, nil)

	results, err := r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "stale",
		QueryType: models.QueryKeyword,
		ProjectID: "global",
	})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText:      "stale",
		QueryType:      models.QueryKeyword,
		ProjectID:      "global",
		IncludeExpired: true,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRetrieveValidation(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	r := New(testConfig(), &fakeGateway{}, st, &fakeVector{}, nil, nil)

	_, err = r.Retrieve(context.Background(), &models.RetrievalRequest{QueryText: "  "})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))

	_, err = r.Retrieve(context.Background(), &models.RetrievalRequest{QueryText: "x", QueryType: "fuzzy"})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))
}

func TestPermissionDeniedSingleProject(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	r := New(testConfig(), &fakeGateway{}, st, &fakeVector{}, Allowlist{"p1": true}, nil)

	_, err = r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "secret",
		ProjectID: "p2",
	})
	assert.Equal(t, memerr.CodePermissionDenied, memerr.CodeOf(err))
}

func TestDefaultLimitComesFromRerankTopK(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 4; i++ {
		u := unitFixture(fmt.Sprintf("11111111-0000-0000-0000-00000000002%d", i),
			"global", models.UnitConversation, []string{"cache"}, time.Duration(i)*time.Minute)
		seedUnit(t, st, u)
	}

	cfg := testConfig()
	cfg.Retrieval.RerankTopK = 2

	r := New(cfg, &fakeGateway{}, st, &fakeVector{}, nil, nil)
	results, err := r.Retrieve(context.Background(), &models.RetrievalRequest{
		QueryText: "cache",
		QueryType: models.QueryKeyword,
		ProjectID: "global",
	})
	require.NoError(t, err)
	assert.Len(t, results, 2, "an unset limit falls back to rerank_top_k")
}

func TestExtractTerms(t *testing.T) {
	terms := ExtractTerms("What is a B-tree, and WHERE do we use it?")
	assert.Equal(t, []string{"b-tree", "use"}, terms)

	assert.Empty(t, ExtractTerms("the of and"))
	assert.Equal(t, []string{"retry_base_seconds"}, ExtractTerms("retry_base_seconds"))
}
