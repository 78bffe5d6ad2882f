package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramd/engramd/internal/compressor"
	"github.com/engramd/engramd/internal/gateway"
	"github.com/engramd/engramd/internal/injector"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/metrics"
	"github.com/engramd/engramd/internal/models"
	"github.com/engramd/engramd/internal/retriever"
	"github.com/engramd/engramd/internal/store"
	"github.com/engramd/engramd/internal/tokens"
)

// StoreConversationRequest is one ingest call: a batch of turns for a
// project, optionally deduplicated by an idempotency key.
type StoreConversationRequest struct {
	ProjectID      string
	SessionID      string
	Messages       []*models.Message
	Metadata       map[string]string
	IdempotencyKey string
}

// StoreConversationResult reports what the ingest produced.
type StoreConversationResult struct {
	ConversationID string `json:"conversation_id"`
	UnitID         string `json:"unit_id,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// StoreConversation persists the conversation and its messages, compresses
// them into a memory unit when the transcript is ingestable, and runs the
// compensating write for the unit. A conversation that cannot be compressed
// (provider outage) is still persisted and stays retry-eligible; the error
// surfaces so the capture queue keeps the item.
func (s *Service) StoreConversation(ctx context.Context, req *StoreConversationRequest) (*StoreConversationResult, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if req == nil || len(req.Messages) == 0 {
		return nil, memerr.E(memerr.CodeValidation, "messages are required", nil)
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = models.GlobalProjectID
	}
	ctx = gateway.WithProject(ctx, projectID)
	for _, m := range req.Messages {
		if !models.ValidRole(m.Role) {
			return nil, memerr.Ef(memerr.CodeValidation, "unknown role %q", m.Role)
		}
		if m.Content == "" {
			return nil, memerr.E(memerr.CodeValidation, "message content is required", nil)
		}
	}

	if req.IdempotencyKey != "" {
		convID, found, err := s.store.LookupIdempotency(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if found {
			return &StoreConversationResult{ConversationID: convID, Duplicate: true}, nil
		}
	}

	// Projects are created lazily on first reference.
	if err := s.store.UpsertProject(ctx, projectID, projectID); err != nil {
		return nil, err
	}

	conv, msgs := buildConversation(projectID, req)
	unlock := s.convLocks.lock(conv.ConversationID)
	defer unlock()

	if err := s.store.SaveConversation(ctx, conv, msgs); err != nil {
		return nil, err
	}
	if req.IdempotencyKey != "" {
		if err := s.store.RecordIdempotency(ctx, req.IdempotencyKey, conv.ConversationID); err != nil {
			s.logger.Warn("idempotency record failed", zap.Error(err))
		}
	}

	result := &StoreConversationResult{ConversationID: conv.ConversationID}

	unit, err := s.compressor.Compress(ctx, conv, msgs)
	if err != nil {
		// Nothing worth remembering is a success with no unit; anything
		// else leaves the conversation uncompressed and retry-eligible.
		if memerr.Is(err, memerr.CodeValidation) {
			return result, nil
		}
		return result, err
	}

	if err := s.AddMemoryUnit(ctx, unit); err != nil {
		return result, err
	}
	result.UnitID = unit.UnitID
	return result, nil
}

func buildConversation(projectID string, req *StoreConversationRequest) (*models.Conversation, []*models.Message) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ConversationID: uuid.NewString(),
		ProjectID:      projectID,
		SessionID:      req.SessionID,
		StartedAt:      now,
		Metadata:       req.Metadata,
	}

	msgs := make([]*models.Message, len(req.Messages))
	var total int
	for i, m := range req.Messages {
		msg := *m
		if msg.MessageID == "" {
			msg.MessageID = uuid.NewString()
		}
		msg.ConversationID = conv.ConversationID
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		if msg.TokenCount == 0 {
			msg.TokenCount = tokens.Count(msg.Content)
		}
		total += msg.TokenCount
		if conv.Title == "" && msg.Role == models.RoleHuman {
			conv.Title = firstLine(msg.Content, 120)
		}
		if conv.StartedAt.After(msg.Timestamp) {
			conv.StartedAt = msg.Timestamp
		}
		msgs[i] = &msg
	}
	conv.MessageCount = len(msgs)
	conv.TokenCount = total
	last := msgs[len(msgs)-1].Timestamp
	conv.EndedAt = &last
	return conv, msgs
}

// AddMemoryUnit runs the compensating write: embed, insert the row, upsert
// the vector point, and delete the row again when the vector write fails.
// Either both stores hold the unit afterwards, or neither does.
func (s *Service) AddMemoryUnit(ctx context.Context, unit *models.MemoryUnit) error {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if unit == nil || unit.UnitID == "" {
		return memerr.E(memerr.CodeValidation, "memory unit requires a unit_id", nil)
	}
	if unit.ProjectID == "" {
		return memerr.E(memerr.CodeValidation, "memory unit requires a project_id", nil)
	}
	if unit.ExpiresAt != nil && !unit.ExpiresAt.After(unit.CreatedAt) {
		return memerr.E(memerr.CodeValidation, "expires_at must be after created_at", nil)
	}

	// Embedding happens before anything is written, so an unavailable
	// embedding provider leaves no partial state to clean up.
	vec, err := s.gateway.Embed(gateway.WithProject(ctx, unit.ProjectID), s.compressor.EmbeddingText(unit))
	if err != nil {
		return err
	}

	if err := s.store.InsertMemoryUnit(ctx, unit); err != nil {
		return err
	}

	// Compensation runs even when the caller's deadline fired mid-write;
	// the row is already committed and must not outlive a failed point.
	if err := s.vector.Upsert(ctx, unit, vec); err != nil {
		compCtx, compCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer compCancel()
		if compErr := s.store.DeleteMemoryUnit(compCtx, unit.UnitID); compErr != nil {
			metrics.UnitsWritten.WithLabelValues("orphaned").Inc()
			s.logger.Error("CONSISTENCY VIOLATION: compensation failed, unit orphaned in structured store",
				zap.String("unit_id", unit.UnitID),
				zap.NamedError("vector_error", err),
				zap.NamedError("compensation_error", compErr))
			return memerr.E(memerr.CodeConsistencyViolation,
				"vector write and its compensation both failed for unit "+unit.UnitID, err)
		}
		metrics.UnitsWritten.WithLabelValues("compensated").Inc()
		s.logger.Warn("vector write failed, row compensated",
			zap.String("unit_id", unit.UnitID), zap.Error(err))
		return err
	}

	metrics.UnitsWritten.WithLabelValues("committed").Inc()
	return nil
}

// Search delegates to the retriever.
func (s *Service) Search(ctx context.Context, req *models.RetrievalRequest) ([]*models.RetrievalResult, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.retriever.Retrieve(ctx, req)
}

// CrossProjectSearch fans a query out over several projects.
func (s *Service) CrossProjectSearch(ctx context.Context, req *retriever.CrossProjectRequest) (*retriever.CrossProjectResult, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.retriever.CrossProject(ctx, req)
}

// InjectRequest describes one prompt-enrichment call. QueryText defaults to
// the original prompt.
type InjectRequest struct {
	OriginalPrompt string
	QueryText      string
	ProjectID      string
	Mode           models.InjectionMode
}

// Inject retrieves context for the query and assembles the enriched prompt.
// Retrieval failures degrade to the unmodified prompt; the original prompt
// is always preserved verbatim.
func (s *Service) Inject(ctx context.Context, req *InjectRequest) (*injector.Result, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	if req == nil || strings.TrimSpace(req.OriginalPrompt) == "" {
		return nil, memerr.E(memerr.CodeValidation, "original_prompt is required", nil)
	}
	query := req.QueryText
	if query == "" {
		query = req.OriginalPrompt
	}
	projectID := req.ProjectID
	if projectID == "" {
		projectID = models.GlobalProjectID
	}
	ctx = gateway.WithProject(ctx, projectID)

	results, err := s.retriever.Retrieve(ctx, &models.RetrievalRequest{
		QueryText: query,
		QueryType: models.QueryHybrid,
		ProjectID: req.ProjectID,
	})
	if err != nil {
		if memerr.Is(err, memerr.CodeValidation) || memerr.Is(err, memerr.CodePermissionDenied) {
			return nil, err
		}
		s.logger.Warn("retrieval failed, injecting nothing", zap.Error(err))
		results = nil
	}

	return s.injector.Inject(ctx, req.OriginalPrompt, query, results, injector.Options{Mode: req.Mode})
}

// Health probes every component.
func (s *Service) Health(ctx context.Context) map[string]models.ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health := make(map[string]models.ComponentHealth, 4)

	if err := s.store.Ping(ctx); err != nil {
		health["store"] = models.ComponentHealth{State: models.StateDown, Detail: memerr.MessageOf(err)}
	} else {
		health["store"] = models.ComponentHealth{State: models.StateOK}
	}

	if err := s.vector.Ping(ctx); err != nil {
		health["vector"] = models.ComponentHealth{State: models.StateDown, Detail: memerr.MessageOf(err)}
	} else {
		health["vector"] = models.ComponentHealth{State: models.StateOK}
	}

	if len(s.cfg.Models.Tasks) == 0 {
		health["gateway"] = models.ComponentHealth{State: models.StateDegraded, Detail: "no model tasks configured"}
	} else {
		health["gateway"] = models.ComponentHealth{State: models.StateOK}
	}

	if depth, err := s.worker.Depth(); err != nil {
		health["queue"] = models.ComponentHealth{State: models.StateDegraded, Detail: "spool unreadable"}
	} else {
		health["queue"] = models.ComponentHealth{State: models.StateOK, Detail: depthDetail(depth)}
	}
	return health
}

// Healthy reports whether every required component is OK or merely degraded.
func (s *Service) Healthy(ctx context.Context) bool {
	for _, h := range s.Health(ctx) {
		if h.State == models.StateDown {
			return false
		}
	}
	return true
}

// Status is the introspection payload for /status and memory_status.
type Status struct {
	Components map[string]models.ComponentHealth `json:"components"`
	Counts     *store.Counts                     `json:"counts,omitempty"`
	VectorPts  uint64                            `json:"vector_points,omitempty"`
	QueueDepth int                               `json:"queue_depth"`
	UptimeSecs int64                             `json:"uptime_seconds"`
}

// Status returns component states plus row/point counts.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	st := &Status{
		Components: s.Health(ctx),
		UptimeSecs: int64(time.Since(s.started).Seconds()),
	}
	if counts, err := s.store.Counts(ctx); err == nil {
		st.Counts = counts
	}
	if n, err := s.vector.Count(ctx); err == nil {
		st.VectorPts = n
	}
	if depth, err := s.worker.Depth(); err == nil {
		st.QueueDepth = depth
	}
	return st, nil
}

// Costs aggregates cost records written since the cutoff. An empty
// projectID covers every project.
func (s *Service) Costs(ctx context.Context, since time.Time, projectID string) (*store.CostSummary, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()
	return s.store.CostSummary(ctx, since, projectID)
}

// ProjectIDs lists every known project, for cross-project searches over all
// projects.
func (s *Service) ProjectIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := withDeadline(ctx)
	defer cancel()

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ProjectID
	}
	return ids, nil
}

// CanRead exposes the permission policy for callers outside the retriever.
func (s *Service) CanRead(ctx context.Context, projectID string) bool {
	return s.perms.CanRead(ctx, projectID)
}

// Ingestable re-exports the compressor predicate for surfaces that want to
// predict whether an ingest will produce a unit.
func Ingestable(msgs []*models.Message) bool { return compressor.Ingestable(msgs) }

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}

func depthDetail(depth int) string {
	if depth == 0 {
		return ""
	}
	return "backlog"
}
