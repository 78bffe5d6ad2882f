package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/retriever"
	"github.com/engramd/engramd/internal/service"
)

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "memory_search":
		return s.toolSearch(ctx, params)
	case "memory_inject":
		return s.toolInject(ctx, params)
	case "memory_store":
		return s.toolStore(ctx, params)
	case "memory_status":
		return s.svc.Status(ctx)
	case "memory_health":
		return s.svc.Health(ctx), nil
	case "memory_cross_project_search":
		return s.toolCrossProjectSearch(ctx, params)
	default:
		return nil, memerr.Ef(memerr.CodeValidation, "unknown tool %q", method)
	}
}

func decodeParams[T any](params json.RawMessage) (*T, error) {
	var v T
	if len(params) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, memerr.E(memerr.CodeValidation, "malformed tool params", err)
	}
	return &v, nil
}

type searchParams struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit,omitempty"`
	ProjectID string  `json:"project_id,omitempty"`
	MinScore  float64 `json:"min_score,omitempty"`
}

type searchResult struct {
	UnitID    string           `json:"unit_id"`
	Title     string           `json:"title"`
	Summary   string           `json:"summary"`
	Score     float64          `json:"score"`
	Source    models.QueryType `json:"source"`
	ProjectID string           `json:"project_id"`
	CreatedAt time.Time        `json:"created_at"`
}

func (s *Server) toolSearch(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[searchParams](params)
	if err != nil {
		return nil, err
	}

	results, err := s.svc.Search(ctx, &models.RetrievalRequest{
		QueryText: p.Query,
		QueryType: models.QueryHybrid,
		ProjectID: p.ProjectID,
		Limit:     p.Limit,
		MinScore:  p.MinScore,
	})
	if err != nil {
		return nil, err
	}

	out := make([]searchResult, len(results))
	for i, r := range results {
		out[i] = searchResult{
			UnitID:    r.Unit.UnitID,
			Title:     r.Unit.Title,
			Summary:   r.Unit.Summary,
			Score:     r.Score,
			Source:    r.Source,
			ProjectID: r.Unit.ProjectID,
			CreatedAt: r.Unit.CreatedAt,
		}
	}
	return map[string]any{"results": out}, nil
}

type injectParams struct {
	OriginalPrompt string               `json:"original_prompt"`
	QueryText      string               `json:"query_text,omitempty"`
	ProjectID      string               `json:"project_id,omitempty"`
	InjectionMode  models.InjectionMode `json:"injection_mode,omitempty"`
}

func (s *Server) toolInject(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[injectParams](params)
	if err != nil {
		return nil, err
	}

	result, err := s.svc.Inject(ctx, &service.InjectRequest{
		OriginalPrompt: p.OriginalPrompt,
		QueryText:      p.QueryText,
		ProjectID:      p.ProjectID,
		Mode:           p.InjectionMode,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"enhanced_prompt":   result.Prompt,
		"injected_unit_ids": result.InjectedUnitIDs,
	}, nil
}

type storeParams struct {
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Messages  []struct {
		Role      models.Role `json:"role"`
		Content   string      `json:"content"`
		Timestamp time.Time   `json:"timestamp,omitempty"`
	} `json:"messages"`
}

func (s *Server) toolStore(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[storeParams](params)
	if err != nil {
		return nil, err
	}

	req := &service.StoreConversationRequest{ProjectID: p.ProjectID, SessionID: p.SessionID}
	for _, m := range p.Messages {
		req.Messages = append(req.Messages, &models.Message{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	return s.svc.StoreConversation(ctx, req)
}

type crossProjectParams struct {
	Query                string               `json:"query"`
	ProjectIDs           []string             `json:"project_ids,omitempty"`
	IncludeAllProjects   bool                 `json:"include_all_projects,omitempty"`
	MergeStrategy        models.MergeStrategy `json:"merge_strategy,omitempty"`
	MaxResultsPerProject int                  `json:"max_results_per_project,omitempty"`
}

// AllProjects lists every project id for include_all_projects. Implemented
// by the orchestrator-backed service; optional for fakes.
type AllProjects interface {
	ProjectIDs(ctx context.Context) ([]string, error)
}

func (s *Server) toolCrossProjectSearch(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[crossProjectParams](params)
	if err != nil {
		return nil, err
	}

	projectIDs := p.ProjectIDs
	if p.IncludeAllProjects {
		lister, ok := s.svc.(AllProjects)
		if !ok {
			return nil, memerr.E(memerr.CodeValidation, "include_all_projects is not supported", nil)
		}
		projectIDs, err = lister.ProjectIDs(ctx)
		if err != nil {
			return nil, err
		}
	}

	strategy := p.MergeStrategy
	if strategy == "project" {
		strategy = models.MergeRoundRobin
	}

	result, err := s.svc.CrossProjectSearch(ctx, &retriever.CrossProjectRequest{
		QueryText:            p.Query,
		ProjectIDs:           projectIDs,
		MergeStrategy:        strategy,
		MaxResultsPerProject: p.MaxResultsPerProject,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]searchResult, len(result.Results))
	for i, r := range result.Results {
		hits[i] = searchResult{
			UnitID:    r.Unit.UnitID,
			Title:     r.Unit.Title,
			Summary:   r.Unit.Summary,
			Score:     r.Score,
			Source:    r.Source,
			ProjectID: r.Unit.ProjectID,
			CreatedAt: r.Unit.CreatedAt,
		}
	}
	return map[string]any{
		"results":           hits,
		"project_stats":     result.ProjectStats,
		"projects_searched": result.ProjectsSearched,
		"search_time_ms":    result.SearchTimeMS,
	}, nil
}
