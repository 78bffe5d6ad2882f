// Package retriever implements hybrid search over the memory stores: vector
// recall from Qdrant and keyword recall from the structured store run in
// parallel, get merged by unit id, pass through a model reranker and a policy
// rerank, and come back as one ordered result list. A failing branch degrades
// the search instead of failing it.
package retriever

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/gateway"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/metrics"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/store"
	"github.com/engramd/engramd/internal/vector"
)

// keywordBoost weights the keyword score of a unit found by both branches.
const keywordBoost = 0.3

// scoreEpsilon is the equality window for tie-breaking.
const scoreEpsilon = 1e-6

// Permissions gates per-project read access. Cross-project search silently
// drops projects the caller cannot read; single-project operations surface
// the denial.
type Permissions interface {
	CanRead(ctx context.Context, projectID string) bool
}

// AllowAll grants every read. The default when no policy is configured.
type AllowAll struct{}

func (AllowAll) CanRead(context.Context, string) bool { return true }

// Allowlist grants reads on the listed projects plus the shared global
// project.
type Allowlist map[string]bool

func (a Allowlist) CanRead(_ context.Context, projectID string) bool {
	return projectID == models.GlobalProjectID || a[projectID]
}

// Retriever runs searches against both stores.
type Retriever interface {
	Retrieve(ctx context.Context, req *models.RetrievalRequest) ([]*models.RetrievalResult, error)
	CrossProject(ctx context.Context, req *CrossProjectRequest) (*CrossProjectResult, error)
}

type retrieverImpl struct {
	gw     gateway.Gateway
	store  store.Store
	vector vector.Store
	perms  Permissions
	logger *zap.Logger

	topK             int
	rerankTopK       int
	rerankCandidates int
	minScore         float64
	defaultStrategy  models.RerankStrategy
	halfLife         float64 // days
}

// New builds a retriever from the retrieval section of cfg. A nil perms
// allows every read.
func New(cfg *config.Config, gw gateway.Gateway, st store.Store, vs vector.Store, perms Permissions, logger *zap.Logger) Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if perms == nil {
		perms = AllowAll{}
	}
	r := &retrieverImpl{
		gw:               gw,
		store:            st,
		vector:           vs,
		perms:            perms,
		logger:           logger.Named("retriever"),
		topK:             cfg.Retrieval.TopK,
		rerankTopK:       cfg.Retrieval.RerankTopK,
		rerankCandidates: cfg.Retrieval.RerankCandidates,
		minScore:         cfg.Retrieval.MinScore,
		defaultStrategy:  models.RerankStrategy(cfg.Retrieval.DefaultStrategy),
		halfLife:         cfg.Retrieval.HalfLifeDays,
	}
	if r.topK <= 0 {
		r.topK = 20
	}
	if r.rerankTopK <= 0 {
		r.rerankTopK = 5
	}
	if r.rerankCandidates <= 0 {
		r.rerankCandidates = r.topK
	}
	if r.halfLife <= 0 {
		r.halfLife = 30
	}
	return r
}

// candidate is one merged recall hit before final scoring.
type candidate struct {
	unit        *models.MemoryUnit
	score       float64
	source      models.QueryType
	rerankScore float64
	reranked    bool
}

func (r *retrieverImpl) Retrieve(ctx context.Context, req *models.RetrievalRequest) ([]*models.RetrievalResult, error) {
	start := time.Now()
	req, err := r.normalize(req)
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues(string(req.QueryType), "invalid").Inc()
		return nil, err
	}
	if !r.perms.CanRead(ctx, req.ProjectID) {
		metrics.RetrievalsTotal.WithLabelValues(string(req.QueryType), "denied").Inc()
		return nil, memerr.Ef(memerr.CodePermissionDenied, "no read permission for project %s", req.ProjectID)
	}
	// Model spend below (embed, rerank) is attributed to the project.
	ctx = gateway.WithProject(ctx, req.ProjectID)

	cands, err := r.recall(ctx, req)
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues(string(req.QueryType), "error").Inc()
		return nil, err
	}

	// Rerank is semantic; the pure keyword path skips it.
	if req.QueryType != models.QueryKeyword {
		r.rerank(ctx, req.QueryText, cands)
	}
	r.applyPolicy(req.Strategy, cands, time.Now().UTC())
	sortCandidates(cands)

	out := make([]*models.RetrievalResult, 0, req.Limit)
	for _, c := range cands {
		if c.score < req.MinScore {
			continue
		}
		out = append(out, &models.RetrievalResult{
			Unit:        c.unit,
			Score:       c.score,
			Source:      c.source,
			RerankScore: c.rerankScore,
		})
		if len(out) == req.Limit {
			break
		}
	}

	metrics.RetrievalsTotal.WithLabelValues(string(req.QueryType), "ok").Inc()
	metrics.RetrievalStageDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())
	return out, nil
}

// normalize validates the request and fills defaults. The input is not
// mutated.
func (r *retrieverImpl) normalize(req *models.RetrievalRequest) (*models.RetrievalRequest, error) {
	if req == nil || strings.TrimSpace(req.QueryText) == "" {
		return &models.RetrievalRequest{QueryType: models.QueryHybrid},
			memerr.E(memerr.CodeValidation, "query_text is required", nil)
	}

	out := *req
	if out.QueryType == "" {
		out.QueryType = models.QueryHybrid
	}
	switch out.QueryType {
	case models.QuerySemantic, models.QueryKeyword, models.QueryHybrid:
	default:
		return &out, memerr.Ef(memerr.CodeValidation, "unknown query_type %q", out.QueryType)
	}
	if out.ProjectID == "" {
		out.ProjectID = models.GlobalProjectID
	}
	if out.Limit <= 0 {
		out.Limit = r.rerankTopK
	}
	if out.MinScore <= 0 {
		out.MinScore = r.minScore
	}
	if out.MinScore < 0 || out.MinScore > 1 {
		return &out, memerr.Ef(memerr.CodeValidation, "min_score %v outside [0,1]", out.MinScore)
	}
	if out.Strategy == "" {
		out.Strategy = r.defaultStrategy
	}
	for _, t := range out.UnitTypes {
		if !models.ValidUnitType(t) {
			return &out, memerr.Ef(memerr.CodeValidation, "unknown unit_type %q", t)
		}
	}
	return &out, nil
}

// recall runs the branches the query type asks for and merges by unit id.
// A branch failing with a recoverable error contributes nothing; the search
// only fails when every requested branch failed.
func (r *retrieverImpl) recall(ctx context.Context, req *models.RetrievalRequest) ([]*candidate, error) {
	var (
		semantic []*candidate
		keyword  []*candidate
		semErr   error
		kwErr    error
	)

	g, gctx := errgroup.WithContext(ctx)
	if req.QueryType != models.QueryKeyword {
		g.Go(func() error {
			semantic, semErr = r.semanticBranch(gctx, req)
			if semErr != nil {
				metrics.RetrievalBranchErrors.WithLabelValues("semantic").Inc()
				r.logger.Warn("semantic branch failed", zap.Error(semErr))
			}
			return nil
		})
	}
	if req.QueryType != models.QuerySemantic {
		g.Go(func() error {
			keyword, kwErr = r.keywordBranch(gctx, req)
			if kwErr != nil {
				metrics.RetrievalBranchErrors.WithLabelValues("keyword").Inc()
				r.logger.Warn("keyword branch failed", zap.Error(kwErr))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, memerr.E(memerr.CodeOf(err), "retrieval aborted", err)
	}

	switch req.QueryType {
	case models.QuerySemantic:
		if semErr != nil {
			return nil, semErr
		}
		return semantic, nil
	case models.QueryKeyword:
		if kwErr != nil {
			return nil, kwErr
		}
		return keyword, nil
	}

	if semErr != nil && kwErr != nil {
		return nil, semErr
	}

	merged := make(map[string]*candidate, len(semantic)+len(keyword))
	var cands []*candidate
	for _, c := range semantic {
		merged[c.unit.UnitID] = c
		cands = append(cands, c)
	}
	for _, c := range keyword {
		if prev, ok := merged[c.unit.UnitID]; ok {
			prev.score += keywordBoost * c.score
			prev.source = models.QueryHybrid
			continue
		}
		merged[c.unit.UnitID] = c
		cands = append(cands, c)
	}
	return cands, nil
}

func (r *retrieverImpl) semanticBranch(ctx context.Context, req *models.RetrievalRequest) ([]*candidate, error) {
	start := time.Now()
	defer func() {
		metrics.RetrievalStageDuration.WithLabelValues("semantic").Observe(time.Since(start).Seconds())
	}()

	vec, err := r.gw.Embed(ctx, req.QueryText)
	if err != nil {
		return nil, err
	}

	hits, err := r.vector.Search(ctx, vector.SearchQuery{
		Vector:         vec,
		ProjectID:      req.ProjectID,
		Limit:          r.topK,
		UnitTypes:      req.UnitTypes,
		TimeRange:      req.TimeRange,
		IncludeExpired: req.IncludeExpired,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.UnitID
		scores[h.UnitID] = h.Score
	}

	// Hydrate from the structured store. Points whose row is gone (or
	// inactive) are skipped: only fully written units surface.
	units, err := r.store.GetMemoryUnits(ctx, ids, false)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cands := make([]*candidate, 0, len(units))
	for _, u := range units {
		if u.ProjectID != req.ProjectID {
			continue
		}
		if !req.IncludeExpired && u.Expired(now) {
			continue
		}
		cands = append(cands, &candidate{unit: u, score: scores[u.UnitID], source: models.QuerySemantic})
	}
	return cands, nil
}

func (r *retrieverImpl) keywordBranch(ctx context.Context, req *models.RetrievalRequest) ([]*candidate, error) {
	start := time.Now()
	defer func() {
		metrics.RetrievalStageDuration.WithLabelValues("keyword").Observe(time.Since(start).Seconds())
	}()

	terms := ExtractTerms(req.QueryText)
	if len(terms) == 0 {
		return nil, nil
	}

	hits, err := r.store.SearchByKeywords(ctx, store.KeywordQuery{
		ProjectID:      req.ProjectID,
		Keywords:       terms,
		Limit:          r.topK,
		UnitTypes:      req.UnitTypes,
		TimeRange:      req.TimeRange,
		IncludeExpired: req.IncludeExpired,
	})
	if err != nil {
		return nil, err
	}

	cands := make([]*candidate, 0, len(hits))
	for _, h := range hits {
		score := float64(h.Matches) / float64(len(terms))
		if score > 1 {
			score = 1
		}
		cands = append(cands, &candidate{unit: h.Unit, score: score, source: models.QueryKeyword})
	}
	return cands, nil
}

// rerank sends the top candidates through the model reranker and replaces
// their scores. Candidates beyond the rerank window and the whole list on
// reranker failure keep their merge scores.
func (r *retrieverImpl) rerank(ctx context.Context, query string, cands []*candidate) {
	if len(cands) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		metrics.RetrievalStageDuration.WithLabelValues("rerank").Observe(time.Since(start).Seconds())
	}()

	sortCandidates(cands)
	window := cands
	if len(window) > r.rerankCandidates {
		window = window[:r.rerankCandidates]
	}

	docs := make([]string, len(window))
	for i, c := range window {
		docs[i] = c.unit.Title + " " + c.unit.Summary
	}

	scores, err := r.gw.Rerank(ctx, query, docs)
	if err != nil {
		metrics.RetrievalBranchErrors.WithLabelValues("rerank").Inc()
		r.logger.Warn("rerank failed, keeping merge scores", zap.Error(err))
		return
	}
	for i, c := range window {
		c.score = scores[i]
		c.rerankScore = scores[i]
		c.reranked = true
	}
}

// applyPolicy adjusts scores by the selected strategy.
func (r *retrieverImpl) applyPolicy(strategy models.RerankStrategy, cands []*candidate, now time.Time) {
	switch strategy {
	case models.StrategyQualityBoost:
		for _, c := range cands {
			c.score *= 1 + 0.2*c.unit.RelevanceScore
		}
	case models.StrategyTypePriority:
		for _, c := range cands {
			c.score *= models.PriorityOf(c.unit.UnitType)
		}
	default: // relevance_time
		for _, c := range cands {
			ageDays := now.Sub(c.unit.CreatedAt).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			c.score *= math.Exp(-ageDays / r.halfLife)
		}
	}
}

// sortCandidates orders by score descending with deterministic tie-breaking:
// equal scores prefer higher type priority, then newer created_at, then the
// lexicographically smaller unit id.
func sortCandidates(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if math.Abs(a.score-b.score) > scoreEpsilon {
			return a.score > b.score
		}
		pa, pb := models.PriorityOf(a.unit.UnitType), models.PriorityOf(b.unit.UnitType)
		if pa != pb {
			return pa > pb
		}
		if !a.unit.CreatedAt.Equal(b.unit.CreatedAt) {
			return a.unit.CreatedAt.After(b.unit.CreatedAt)
		}
		return a.unit.UnitID < b.unit.UnitID
	})
}
