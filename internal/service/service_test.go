package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/gateway/types"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/vector"
)

// fakeGateway scripts embeddings and compressions.
type fakeGateway struct {
	embedErr    error
	completeOut string
	completeErr error
}

const compressionEnvelope = `{
  "title": "B-tree basics",
  "summary": "Explained what a B-tree is and why databases use it.",
  "content": "A B-tree is a balanced search tree with high fanout.",
  "keywords": ["b-tree", "balanced", "tree", "index"],
  "unit_type": "CONVERSATION",
  "relevance_score": 0.7
}`

func (f *fakeGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeGateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	return nil, memerr.Ef(memerr.CodeProviderUnavailable, "no reranker in test")
}

func (f *fakeGateway) Complete(ctx context.Context, msgs []types.Message, params types.CompletionParams) (string, error) {
	if f.completeErr != nil {
		return "", f.completeErr
	}
	if f.completeOut != "" {
		return f.completeOut, nil
	}
	return compressionEnvelope, nil
}

// fakeVector records points in memory and can fail the next upsert.
type fakeVector struct {
	mu        sync.Mutex
	points    map[string][]float32
	upsertErr error
	deleted   []string
}

func newFakeVector() *fakeVector {
	return &fakeVector{points: make(map[string][]float32)}
}

func (f *fakeVector) EnsureCollection(context.Context) error { return nil }

func (f *fakeVector) Upsert(_ context.Context, unit *models.MemoryUnit, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points[unit.UnitID] = vec
	return nil
}

func (f *fakeVector) Search(context.Context, vector.SearchQuery) ([]*vector.Hit, error) {
	return nil, nil
}

func (f *fakeVector) Delete(_ context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.points, unitID)
	f.deleted = append(f.deleted, unitID)
	return nil
}

func (f *fakeVector) Count(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.points)), nil
}

func (f *fakeVector) Ping(context.Context) error { return nil }
func (f *fakeVector) Close() error               { return nil }

func (f *fakeVector) has(unitID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.points[unitID]
	return ok
}

func newTestService(t *testing.T, gw *fakeGateway, fv *fakeVector) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.URL = ":memory:"
	cfg.Queue.SpoolDir = t.TempDir()

	svc, err := New(context.Background(), cfg, nil,
		WithGateway(gw), WithVector(fv))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func turns(project string) *StoreConversationRequest {
	return &StoreConversationRequest{
		ProjectID: project,
		Messages: []*models.Message{
			{Role: models.RoleHuman, Content: "What is a B-tree?"},
			{Role: models.RoleAssistant, Content: "A balanced search tree with high fanout."},
		},
	}
}

func TestStoreConversationProducesConsistentUnit(t *testing.T) {
	fv := newFakeVector()
	svc := newTestService(t, &fakeGateway{}, fv)

	result, err := svc.StoreConversation(context.Background(), turns("global"))
	require.NoError(t, err)
	require.NotEmpty(t, result.ConversationID)
	require.NotEmpty(t, result.UnitID)

	unit, err := svc.store.GetMemoryUnit(context.Background(), result.UnitID)
	require.NoError(t, err)
	assert.Equal(t, "global", unit.ProjectID)
	assert.Equal(t, models.UnitConversation, unit.UnitType)
	assert.Equal(t, "B-tree basics", unit.Title)
	assert.True(t, unit.IsActive)
	assert.True(t, fv.has(result.UnitID), "vector point must exist alongside the row")
}

func TestCompensationDeletesRowOnVectorFailure(t *testing.T) {
	fv := newFakeVector()
	fv.upsertErr = memerr.Ef(memerr.CodeStoreUnavailable, "vector store rejecting writes")
	svc := newTestService(t, &fakeGateway{}, fv)

	result, err := svc.StoreConversation(context.Background(), turns("global"))
	require.Error(t, err)
	assert.Equal(t, memerr.CodeStoreUnavailable, memerr.CodeOf(err))

	// The conversation survives; the half-written unit does not.
	require.NotEmpty(t, result.ConversationID)
	counts, err := svc.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.TotalUnits, "compensation must remove the committed row")
	n, _ := fv.Count(context.Background())
	assert.Zero(t, n, "no orphan vector point")
}

func TestEmptyConversationProducesNoUnit(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	result, err := svc.StoreConversation(context.Background(), &StoreConversationRequest{
		ProjectID: "global",
		Messages: []*models.Message{
			{Role: models.RoleHuman, Content: "hello?"},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ConversationID)
	assert.Empty(t, result.UnitID)
}

func TestProviderOutageKeepsConversationRetryEligible(t *testing.T) {
	gw := &fakeGateway{completeErr: memerr.Ef(memerr.CodeProviderUnavailable, "all providers down")}
	svc := newTestService(t, gw, newFakeVector())

	result, err := svc.StoreConversation(context.Background(), turns("global"))
	require.Error(t, err)
	assert.Equal(t, memerr.CodeProviderUnavailable, memerr.CodeOf(err))

	// Rows persisted, nothing compressed.
	_, msgs, err := svc.store.GetConversation(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	counts, _ := svc.store.Counts(context.Background())
	assert.Zero(t, counts.TotalUnits)
}

func TestIdempotentStoreReturnsOriginalConversation(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	req := turns("global")
	req.IdempotencyKey = "capture-123"

	first, err := svc.StoreConversation(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.StoreConversation(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.True(t, second.Duplicate)
}

func TestStoreConversationValidation(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	_, err := svc.StoreConversation(context.Background(), &StoreConversationRequest{})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))

	_, err = svc.StoreConversation(context.Background(), &StoreConversationRequest{
		Messages: []*models.Message{{Role: "ROBOT", Content: "x"}},
	})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))
}

func TestAddMemoryUnitRejectsInvalidExpiry(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	err := svc.AddMemoryUnit(context.Background(), &models.MemoryUnit{
		UnitID:    "11111111-0000-0000-0000-000000000001",
		ProjectID: "global",
		Title:     "t",
		Summary:   "s",
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: &past,
		IsActive:  true,
	})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))
}

func TestSweepExpiredRemovesPointThenRow(t *testing.T) {
	fv := newFakeVector()
	svc := newTestService(t, &fakeGateway{}, fv)

	// Store a unit, then age it out by writing an already-elapsed TTL.
	result, err := svc.StoreConversation(context.Background(), turns("global"))
	require.NoError(t, err)

	unit, err := svc.store.GetMemoryUnit(context.Background(), result.UnitID)
	require.NoError(t, err)
	expired := *unit
	expired.UnitID = "22222222-0000-0000-0000-000000000001"
	soon := expired.CreatedAt.Add(time.Millisecond)
	expired.ExpiresAt = &soon
	require.NoError(t, svc.store.InsertMemoryUnit(context.Background(), &expired))
	fv.points[expired.UnitID] = []float32{1, 0, 0, 0}

	// Make sure the 1ms TTL has actually elapsed before sweeping.
	time.Sleep(time.Until(soon) + time.Millisecond)

	n, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, fv.deleted, expired.UnitID)

	swept, err := svc.store.GetMemoryUnit(context.Background(), expired.UnitID)
	require.NoError(t, err)
	assert.False(t, swept.IsActive)

	// The live unit is untouched.
	assert.True(t, fv.has(result.UnitID))
}

func TestSearchAndInjectEndToEnd(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	stored, err := svc.StoreConversation(context.Background(), turns("global"))
	require.NoError(t, err)

	// The fake vector store returns no hits, so the keyword branch carries
	// the search.
	results, err := svc.Search(context.Background(), &models.RetrievalRequest{
		QueryText: "b-tree index",
		ProjectID: "global",
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, stored.UnitID, results[0].Unit.UnitID)

	prompt := "explain b-tree splits"
	injected, err := svc.Inject(context.Background(), &InjectRequest{
		OriginalPrompt: prompt,
		ProjectID:      "global",
	})
	require.NoError(t, err)
	assert.Contains(t, injected.Prompt, prompt)
	assert.Contains(t, injected.InjectedUnitIDs, stored.UnitID)
}

func TestInjectWithNoMatchesReturnsPromptUnchanged(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	prompt := "completely novel question"
	out, err := svc.Inject(context.Background(), &InjectRequest{OriginalPrompt: prompt})
	require.NoError(t, err)
	assert.Equal(t, prompt, out.Prompt)
}

func TestHealthReportsComponents(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	health := svc.Health(context.Background())
	assert.Equal(t, models.StateOK, health["store"].State)
	assert.Equal(t, models.StateOK, health["vector"].State)
	assert.Equal(t, models.StateOK, health["queue"].State)
	// No model tasks configured in the default test config.
	assert.Equal(t, models.StateDegraded, health["gateway"].State)
	assert.True(t, svc.Healthy(context.Background()))
}

func TestStatusCountsRowsAndPoints(t *testing.T) {
	fv := newFakeVector()
	svc := newTestService(t, &fakeGateway{}, fv)

	_, err := svc.StoreConversation(context.Background(), turns("global"))
	require.NoError(t, err)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Counts)
	assert.Equal(t, int64(1), st.Counts.Conversations)
	assert.Equal(t, int64(1), st.Counts.ActiveUnits)
	assert.Equal(t, uint64(1), st.VectorPts)
}

func TestInitRollbackOnVectorFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.URL = ":memory:"
	cfg.Queue.SpoolDir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// No vector injected and nothing listening on the configured endpoint:
	// phase 2 must fail and roll the service back instead of exposing a
	// partial one.
	_, err := New(ctx, cfg, nil, WithGateway(&fakeGateway{}))
	require.Error(t, err)
}

func TestSearchInjectQueryDefaultsToPrompt(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())
	_, err := svc.Inject(context.Background(), &InjectRequest{OriginalPrompt: "   "})
	assert.Equal(t, memerr.CodeValidation, memerr.CodeOf(err))
}

func TestConcurrentIngestsDoNotRace(t *testing.T) {
	svc := newTestService(t, &fakeGateway{}, newFakeVector())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := turns(fmt.Sprintf("p%d", i%2))
			_, errs[i] = svc.StoreConversation(context.Background(), req)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	counts, err := svc.store.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), counts.Conversations)
	assert.Equal(t, int64(8), counts.ActiveUnits)
}
