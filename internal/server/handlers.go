package server

import (
	"net/http"
	"time"

	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/retriever"
	"github.com/engramd/engramd/internal/service"
)

type storeConversationBody struct {
	ProjectID string            `json:"project_id"`
	SessionID string            `json:"session_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Messages  []struct {
		Role      models.Role `json:"role"`
		Content   string      `json:"content"`
		Timestamp time.Time   `json:"timestamp"`
	} `json:"messages"`
}

func (s *Server) handleStoreConversation(w http.ResponseWriter, r *http.Request) {
	body, err := decode[storeConversationBody](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	req := &service.StoreConversationRequest{
		ProjectID:      body.ProjectID,
		SessionID:      body.SessionID,
		Metadata:       body.Metadata,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, m := range body.Messages {
		req.Messages = append(req.Messages, &models.Message{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}

	result, err := s.svc.StoreConversation(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, result)
}

type searchBody struct {
	Query          string            `json:"query"`
	QueryType      models.QueryType  `json:"query_type,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	Limit          int               `json:"limit,omitempty"`
	MinScore       float64           `json:"min_score,omitempty"`
	UnitTypes      []models.UnitType `json:"unit_types,omitempty"`
	IncludeExpired bool              `json:"include_expired,omitempty"`
}

type searchHit struct {
	UnitID    string           `json:"unit_id"`
	Title     string           `json:"title"`
	Summary   string           `json:"summary"`
	Score     float64          `json:"score"`
	Source    models.QueryType `json:"source"`
	ProjectID string           `json:"project_id"`
	UnitType  models.UnitType  `json:"unit_type"`
	CreatedAt time.Time        `json:"created_at"`
}

func toHits(results []*models.RetrievalResult) []searchHit {
	hits := make([]searchHit, len(results))
	for i, r := range results {
		hits[i] = searchHit{
			UnitID:    r.Unit.UnitID,
			Title:     r.Unit.Title,
			Summary:   r.Unit.Summary,
			Score:     r.Score,
			Source:    r.Source,
			ProjectID: r.Unit.ProjectID,
			UnitType:  r.Unit.UnitType,
			CreatedAt: r.Unit.CreatedAt,
		}
	}
	return hits
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	body, err := decode[searchBody](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	results, err := s.svc.Search(r.Context(), &models.RetrievalRequest{
		QueryText:      body.Query,
		QueryType:      body.QueryType,
		ProjectID:      body.ProjectID,
		Limit:          body.Limit,
		MinScore:       body.MinScore,
		UnitTypes:      body.UnitTypes,
		IncludeExpired: body.IncludeExpired,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": toHits(results)})
}

func (s *Server) handleCrossProjectSearch(w http.ResponseWriter, r *http.Request) {
	body, err := decode[retriever.CrossProjectRequest](r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.svc.CrossProjectSearch(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type injectBody struct {
	OriginalPrompt string               `json:"original_prompt"`
	QueryText      string               `json:"query_text,omitempty"`
	ProjectID      string               `json:"project_id,omitempty"`
	InjectionMode  models.InjectionMode `json:"injection_mode,omitempty"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	body, err := decode[injectBody](r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result, err := s.svc.Inject(r.Context(), &service.InjectRequest{
		OriginalPrompt: body.OriginalPrompt,
		QueryText:      body.QueryText,
		ProjectID:      body.ProjectID,
		Mode:           body.InjectionMode,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.svc.Health(r.Context())
	status := http.StatusOK
	for _, h := range health {
		if h.State == models.StateDown {
			status = http.StatusServiceUnavailable
			break
		}
	}
	s.writeJSON(w, status, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, memerr.E(memerr.CodeValidation, "since must be RFC3339", err))
			return
		}
		since = t
	}
	summary, err := s.svc.Costs(r.Context(), since, r.URL.Query().Get("project_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}
