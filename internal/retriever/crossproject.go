package retriever

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
)

// CrossProjectRequest fans one query out over several projects.
type CrossProjectRequest struct {
	QueryText            string               `json:"query_text"`
	ProjectIDs           []string             `json:"project_ids"`
	QueryType            models.QueryType     `json:"query_type,omitempty"`
	MergeStrategy        models.MergeStrategy `json:"merge_strategy,omitempty"` // default score
	MaxResultsPerProject int                  `json:"max_results_per_project,omitempty"`
	MinScore             float64              `json:"min_score,omitempty"`
	IncludeExpired       bool                 `json:"include_expired,omitempty"`
}

// ProjectStats summarizes one project's contribution.
type ProjectStats struct {
	Results  int     `json:"results"`
	TopScore float64 `json:"top_score"`
}

// CrossProjectResult is the merged multi-project answer.
type CrossProjectResult struct {
	Results          []*models.RetrievalResult `json:"results"`
	ProjectStats     map[string]ProjectStats   `json:"project_stats"`
	ProjectsSearched []string                  `json:"projects_searched"`
	SearchTimeMS     int64                     `json:"search_time_ms"`
}

// CrossProject runs the retrieval pipeline in parallel across projects and
// merges per the requested strategy. Projects the caller cannot read are
// silently dropped from the search set.
func (r *retrieverImpl) CrossProject(ctx context.Context, req *CrossProjectRequest) (*CrossProjectResult, error) {
	if req == nil || strings.TrimSpace(req.QueryText) == "" {
		return nil, memerr.E(memerr.CodeValidation, "query_text is required", nil)
	}
	if len(req.ProjectIDs) == 0 {
		return nil, memerr.E(memerr.CodeValidation, "project_ids is required", nil)
	}
	switch req.MergeStrategy {
	case "", models.MergeScore, models.MergeTime, models.MergeRoundRobin:
	default:
		return nil, memerr.Ef(memerr.CodeValidation, "unknown merge_strategy %q", req.MergeStrategy)
	}

	var allowed []string
	seen := make(map[string]bool, len(req.ProjectIDs))
	for _, p := range req.ProjectIDs {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if r.perms.CanRead(ctx, p) {
			allowed = append(allowed, p)
		}
	}

	start := time.Now()
	perProject := make([][]*models.RetrievalResult, len(allowed))

	g, gctx := errgroup.WithContext(ctx)
	for i, projectID := range allowed {
		g.Go(func() error {
			results, err := r.Retrieve(gctx, &models.RetrievalRequest{
				QueryText:      req.QueryText,
				QueryType:      req.QueryType,
				ProjectID:      projectID,
				Limit:          req.MaxResultsPerProject,
				MinScore:       req.MinScore,
				IncludeExpired: req.IncludeExpired,
			})
			if err != nil {
				return err
			}
			perProject[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &CrossProjectResult{
		ProjectStats:     make(map[string]ProjectStats, len(allowed)),
		ProjectsSearched: allowed,
	}
	for i, projectID := range allowed {
		stats := ProjectStats{Results: len(perProject[i])}
		if len(perProject[i]) > 0 {
			stats.TopScore = perProject[i][0].Score
		}
		out.ProjectStats[projectID] = stats
	}
	out.Results = mergeProjects(perProject, req.MergeStrategy)
	out.SearchTimeMS = time.Since(start).Milliseconds()
	return out, nil
}

// mergeProjects combines per-project result lists. Each list is already
// sorted by score descending.
func mergeProjects(perProject [][]*models.RetrievalResult, strategy models.MergeStrategy) []*models.RetrievalResult {
	var merged []*models.RetrievalResult

	switch strategy {
	case models.MergeRoundRobin:
		// Interleave one result per project until all lists drain.
		for round := 0; ; round++ {
			took := false
			for _, list := range perProject {
				if round < len(list) {
					merged = append(merged, list[round])
					took = true
				}
			}
			if !took {
				break
			}
		}

	case models.MergeTime:
		for _, list := range perProject {
			merged = append(merged, list...)
		}
		sortResultsBy(merged, func(a, b *models.RetrievalResult) bool {
			return a.Unit.CreatedAt.After(b.Unit.CreatedAt)
		})

	default: // score
		for _, list := range perProject {
			merged = append(merged, list...)
		}
		sortResultsBy(merged, func(a, b *models.RetrievalResult) bool {
			if a.Score != b.Score {
				return a.Score > b.Score
			}
			return a.Unit.UnitID < b.Unit.UnitID
		})
	}
	return merged
}

func sortResultsBy(rs []*models.RetrievalResult, less func(a, b *models.RetrievalResult) bool) {
	sort.SliceStable(rs, func(i, j int) bool { return less(rs[i], rs[j]) })
}
