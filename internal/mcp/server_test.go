package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramd/engramd/internal/injector"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/retriever"
	"github.com/engramd/engramd/internal/service"
	"github.com/engramd/engramd/internal/store"
)

// fakeMemory answers with canned payloads; individual tests override fields.
type fakeMemory struct {
	searchOut []*models.RetrievalResult
	searchErr error
	injectOut *injector.Result
	storeOut  *service.StoreConversationResult
	storeErr  error
	crossOut  *retriever.CrossProjectResult
	panicOn   string
}

func (f *fakeMemory) StoreConversation(ctx context.Context, req *service.StoreConversationRequest) (*service.StoreConversationResult, error) {
	if f.panicOn == "store" {
		panic("store exploded")
	}
	return f.storeOut, f.storeErr
}

func (f *fakeMemory) Search(ctx context.Context, req *models.RetrievalRequest) ([]*models.RetrievalResult, error) {
	if f.panicOn == "search" {
		panic("search exploded")
	}
	return f.searchOut, f.searchErr
}

func (f *fakeMemory) CrossProjectSearch(ctx context.Context, req *retriever.CrossProjectRequest) (*retriever.CrossProjectResult, error) {
	return f.crossOut, nil
}

func (f *fakeMemory) Inject(ctx context.Context, req *service.InjectRequest) (*injector.Result, error) {
	return f.injectOut, nil
}

func (f *fakeMemory) Health(ctx context.Context) map[string]models.ComponentHealth {
	return map[string]models.ComponentHealth{"store": {State: models.StateOK}}
}

func (f *fakeMemory) Status(ctx context.Context) (*service.Status, error) {
	return &service.Status{QueueDepth: 3}, nil
}

func (f *fakeMemory) Costs(ctx context.Context, since time.Time, projectID string) (*store.CostSummary, error) {
	return &store.CostSummary{Since: since, ProjectID: projectID}, nil
}

// serve runs the full loop over the given input lines and returns one parsed
// response per line of output.
func serve(t *testing.T, svc Memory, lines ...string) []response {
	t.Helper()
	var out bytes.Buffer
	srv := NewServer(svc, nil)
	err := srv.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	require.NoError(t, err)

	var responses []response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var resp response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func rpc(id int, method string, params any) string {
	req := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	data, _ := json.Marshal(req)
	return string(data)
}

func TestSearchToolReturnsResults(t *testing.T) {
	svc := &fakeMemory{searchOut: []*models.RetrievalResult{{
		Unit: &models.MemoryUnit{
			UnitID:    "u1",
			ProjectID: "p1",
			Title:     "grpc retry policy",
			Summary:   "how retries were configured",
			CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		Score:  0.91,
		Source: models.QueryHybrid,
	}}}

	resps := serve(t, svc, rpc(1, "memory_search", map[string]any{"query": "grpc"}))
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)
	assert.Equal(t, "2.0", resps[0].JSONRPC)
	assert.Equal(t, "1", string(resps[0].ID))

	payload, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result struct {
		Results []searchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(payload, &result))
	require.Len(t, result.Results, 1)
	assert.Equal(t, "u1", result.Results[0].UnitID)
	assert.Equal(t, "grpc retry policy", result.Results[0].Title)
	assert.InDelta(t, 0.91, result.Results[0].Score, 1e-9)
}

func TestUnknownToolAnswersValidationError(t *testing.T) {
	resps := serve(t, &fakeMemory{}, rpc(1, "memory_teleport", nil))
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, memerr.CodeValidation, resps[0].Error.Code)
}

func TestMalformedLineDoesNotKillTheLoop(t *testing.T) {
	resps := serve(t, &fakeMemory{},
		"this is not json",
		rpc(2, "memory_health", nil),
	)
	require.Len(t, resps, 2)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, memerr.CodeValidation, resps[0].Error.Code)
	assert.Nil(t, resps[1].Error)
}

func TestHandlerErrorCarriesCode(t *testing.T) {
	svc := &fakeMemory{searchErr: memerr.Ef(memerr.CodePermissionDenied, "no read permission for project p9")}
	resps := serve(t, svc, rpc(1, "memory_search", map[string]any{"query": "x", "project_id": "p9"}))
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, memerr.CodePermissionDenied, resps[0].Error.Code)
	assert.Contains(t, resps[0].Error.Message, "p9")
}

func TestPanicBecomesInternalError(t *testing.T) {
	resps := serve(t, &fakeMemory{panicOn: "search"},
		rpc(1, "memory_search", map[string]any{"query": "x"}),
		rpc(2, "memory_status", nil),
	)
	require.Len(t, resps, 2)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, memerr.CodeInternal, resps[0].Error.Code)
	// The loop survives the panic.
	assert.Nil(t, resps[1].Error)
}

func TestInjectTool(t *testing.T) {
	svc := &fakeMemory{injectOut: &injector.Result{
		Prompt:          "# Relevant memory\n...\noriginal",
		InjectedUnitIDs: []string{"u1", "u2"},
	}}
	resps := serve(t, svc, rpc(1, "memory_inject", map[string]any{"original_prompt": "original"}))
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	payload, _ := json.Marshal(resps[0].Result)
	var result map[string]any
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Contains(t, result["enhanced_prompt"], "original")
	assert.Len(t, result["injected_unit_ids"], 2)
}

func TestStoreTool(t *testing.T) {
	svc := &fakeMemory{storeOut: &service.StoreConversationResult{ConversationID: "c1", UnitID: "u1"}}
	resps := serve(t, svc, rpc(1, "memory_store", map[string]any{
		"project_id": "p1",
		"messages": []map[string]any{
			{"role": "HUMAN", "content": "q"},
			{"role": "ASSISTANT", "content": "a"},
		},
	}))
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	payload, _ := json.Marshal(resps[0].Result)
	var result service.StoreConversationResult
	require.NoError(t, json.Unmarshal(payload, &result))
	assert.Equal(t, "c1", result.ConversationID)
	assert.Equal(t, "u1", result.UnitID)
}

func TestCrossProjectToolMapsProjectStrategy(t *testing.T) {
	svc := &fakeMemory{crossOut: &retriever.CrossProjectResult{
		Results:          nil,
		ProjectsSearched: []string{"p1", "p2"},
	}}
	resps := serve(t, svc, rpc(1, "memory_cross_project_search", map[string]any{
		"query":          "x",
		"project_ids":    []string{"p1", "p2"},
		"merge_strategy": "project",
	}))
	require.Len(t, resps, 1)
	assert.Nil(t, resps[0].Error)
}

func TestIncludeAllProjectsUnsupportedByFake(t *testing.T) {
	// fakeMemory does not implement AllProjects.
	resps := serve(t, &fakeMemory{}, rpc(1, "memory_cross_project_search", map[string]any{
		"query":                "x",
		"include_all_projects": true,
	}))
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, memerr.CodeValidation, resps[0].Error.Code)
}

func TestMalformedParams(t *testing.T) {
	resps := serve(t, &fakeMemory{}, rpc(1, "memory_search", nil)+"",
		`{"jsonrpc":"2.0","id":2,"method":"memory_search","params":"not an object"}`)
	require.Len(t, resps, 2)
	// Empty params decode to zero values; the service decides validity.
	assert.Nil(t, resps[0].Error)
	require.NotNil(t, resps[1].Error)
	assert.Equal(t, memerr.CodeValidation, resps[1].Error.Code)
}

func TestEmptyLinesSkipped(t *testing.T) {
	resps := serve(t, &fakeMemory{}, "", rpc(1, "memory_health", nil), "")
	assert.Len(t, resps, 1)
}
