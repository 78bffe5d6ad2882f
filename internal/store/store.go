// Package store is the structured persistence layer: projects,
// conversations, messages, memory unit metadata, keyword index, cost
// accounting and idempotency keys. Retrieval by meaning lives in the vector
// store; this package answers exact questions.
package store

import (
	"context"
	"time"

	"github.com/engramd/engramd/internal/models"
)

// KeywordHit is one keyword-search result: a unit plus how many of the query
// keywords its keyword set contains.
type KeywordHit struct {
	Unit    *models.MemoryUnit
	Matches int
}

// KeywordQuery bounds a keyword search. Keywords are matched exactly
// (case-insensitive) against each unit's keyword set, never by substring.
type KeywordQuery struct {
	ProjectID      string
	Keywords       []string
	Limit          int
	UnitTypes      []models.UnitType
	TimeRange      *models.TimeRange
	IncludeExpired bool
}

// CostLine is one row of the aggregated cost report.
type CostLine struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Operation    string  `json:"operation"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostSummary aggregates cost records since a cutoff, optionally scoped to
// one project.
type CostSummary struct {
	Since     time.Time  `json:"since"`
	ProjectID string     `json:"project_id,omitempty"`
	TotalUSD  float64    `json:"total_usd"`
	Lines     []CostLine `json:"lines"`
}

// Counts is the row census reported by the status endpoint.
type Counts struct {
	Projects      int64 `json:"projects"`
	Conversations int64 `json:"conversations"`
	ActiveUnits   int64 `json:"active_units"`
	TotalUnits    int64 `json:"total_units"`
}

// Store is the structured storage interface. All methods are safe for
// concurrent use.
type Store interface {
	// ─── Projects ───

	// UpsertProject creates the project if it does not exist. Existing
	// projects keep their name and settings.
	UpsertProject(ctx context.Context, projectID, name string) error
	GetProject(ctx context.Context, projectID string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// ─── Conversations ───

	// SaveConversation upserts the conversation row and appends its
	// messages in one transaction.
	SaveConversation(ctx context.Context, conv *models.Conversation, msgs []*models.Message) error
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, []*models.Message, error)
	// DeleteConversation removes the conversation; messages cascade.
	DeleteConversation(ctx context.Context, conversationID string) error

	// ─── Memory units ───

	InsertMemoryUnit(ctx context.Context, unit *models.MemoryUnit) error
	GetMemoryUnit(ctx context.Context, unitID string) (*models.MemoryUnit, error)
	// GetMemoryUnits hydrates units by id, skipping ids that no longer
	// exist. Inactive units are skipped unless includeInactive is set.
	GetMemoryUnits(ctx context.Context, unitIDs []string, includeInactive bool) ([]*models.MemoryUnit, error)
	// DeleteMemoryUnit hard-deletes the row and its keyword index entries.
	// Used to compensate a failed vector write.
	DeleteMemoryUnit(ctx context.Context, unitID string) error
	// DeactivateMemoryUnit soft-deletes: the unit stays for audit but stops
	// matching searches.
	DeactivateMemoryUnit(ctx context.Context, unitID string) error
	SearchByKeywords(ctx context.Context, q KeywordQuery) ([]*KeywordHit, error)
	// ListExpired returns active units whose TTL elapsed before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.MemoryUnit, error)

	// ─── Cost accounting ───

	AppendCostRecord(ctx context.Context, rec *models.CostRecord) error
	CostSummary(ctx context.Context, since time.Time, projectID string) (*CostSummary, error)

	// ─── Idempotency ───

	// LookupIdempotency returns the conversation id previously stored under
	// key, if any.
	LookupIdempotency(ctx context.Context, key string) (conversationID string, found bool, err error)
	RecordIdempotency(ctx context.Context, key, conversationID string) error

	// ─── Introspection ───

	Counts(ctx context.Context) (*Counts, error)
	Ping(ctx context.Context) error
	Close() error
}
