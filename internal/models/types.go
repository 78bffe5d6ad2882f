package models

import (
	"time"
)

// Package models holds the domain types shared across the memory service:
// projects, conversations, messages, memory units, retrieval requests and
// results, and cost records. All timestamps are UTC; all ids are UUID strings
// unless noted.

// GlobalProjectID is the distinguished shared-memory project.
const GlobalProjectID = "global"

// Role is a message author role.
type Role string

const (
	RoleHuman     Role = "HUMAN"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
	RoleTool      Role = "TOOL"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleHuman, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// UnitType classifies a memory unit.
type UnitType string

const (
	UnitConversation  UnitType = "CONVERSATION"
	UnitErrorLog      UnitType = "ERROR_LOG"
	UnitDecision      UnitType = "DECISION"
	UnitCodeSnippet   UnitType = "CODE_SNIPPET"
	UnitDocumentation UnitType = "DOCUMENTATION"
	UnitArchive       UnitType = "ARCHIVE"
)

// TypePriority is the multiplier applied by the type_priority rerank policy
// and the priority order used by the injector and tie-breaking.
var TypePriority = map[UnitType]float64{
	UnitDocumentation: 1.3,
	UnitDecision:      1.4,
	UnitErrorLog:      1.3,
	UnitCodeSnippet:   1.2,
	UnitConversation:  1.0,
	UnitArchive:       1.1,
}

// PriorityOf returns the type priority, defaulting to 1.0 for unknown types.
func PriorityOf(t UnitType) float64 {
	if p, ok := TypePriority[t]; ok {
		return p
	}
	return 1.0
}

// ValidUnitType reports whether t is one of the known unit types.
func ValidUnitType(t UnitType) bool {
	_, ok := TypePriority[t]
	return ok
}

// Project is the tenant boundary. Created lazily on first reference.
type Project struct {
	ProjectID string            `json:"project_id"`
	Name      string            `json:"name"`
	IsActive  bool              `json:"is_active"`
	Settings  map[string]string `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Conversation is one multi-turn exchange, owned by a project.
type Conversation struct {
	ConversationID string            `json:"conversation_id"`
	ProjectID      string            `json:"project_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Title          string            `json:"title"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"` // nil while open
	MessageCount   int               `json:"message_count"`
	TokenCount     int               `json:"token_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Message is one turn, cascade-deleted with its conversation.
type Message struct {
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Timestamp      time.Time         `json:"timestamp"`
	TokenCount     int               `json:"token_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// MemoryUnit is a compressed, retrievable summary of one conversation.
// Title is plain text, never wrapped JSON.
type MemoryUnit struct {
	UnitID         string     `json:"unit_id"`
	ProjectID      string     `json:"project_id"`
	ConversationID string     `json:"conversation_id,omitempty"` // weak backref
	UnitType       UnitType   `json:"unit_type"`
	Title          string     `json:"title"`
	Summary        string     `json:"summary"`
	Content        string     `json:"content"`
	Keywords       []string   `json:"keywords"`
	RelevanceScore float64    `json:"relevance_score"` // [0,1]
	TokenCount     int        `json:"token_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"` // nil = permanent
	IsActive       bool       `json:"is_active"`
}

// Expired reports whether the unit's TTL has elapsed at the given time.
func (u *MemoryUnit) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && !u.ExpiresAt.After(now)
}

// CostRecord is one row of per-API-call accounting, emitted by the model
// gateway on every successful provider call.
type CostRecord struct {
	ID           int64     `json:"id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Operation    string    `json:"operation"` // embed | rerank | complete
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Timestamp    time.Time `json:"timestamp"`
	ProjectID    string    `json:"project_id,omitempty"`
}

// QueryType selects the retrieval path.
type QueryType string

const (
	QuerySemantic QueryType = "semantic"
	QueryKeyword  QueryType = "keyword"
	QueryHybrid   QueryType = "hybrid"
)

// RerankStrategy selects the policy-reranking stage applied after the model
// rerank.
type RerankStrategy string

const (
	StrategyRelevanceTime RerankStrategy = "relevance_time"
	StrategyQualityBoost  RerankStrategy = "quality_boost"
	StrategyTypePriority  RerankStrategy = "type_priority"
)

// MergeStrategy orders results of a cross-project search.
type MergeStrategy string

const (
	MergeScore      MergeStrategy = "score"
	MergeTime       MergeStrategy = "time"
	MergeRoundRobin MergeStrategy = "round_robin"
)

// TimeRange bounds created_at in a retrieval request. Zero values mean
// unbounded on that side.
type TimeRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// RetrievalRequest describes one search.
type RetrievalRequest struct {
	QueryText      string         `json:"query_text"`
	QueryType      QueryType      `json:"query_type"`
	ProjectID      string         `json:"project_id"`
	Limit          int            `json:"limit"`     // default 5
	MinScore       float64        `json:"min_score"` // default 0.3, applied after policy rerank
	UnitTypes      []UnitType     `json:"unit_types,omitempty"`
	TimeRange      *TimeRange     `json:"time_range,omitempty"`
	IncludeExpired bool           `json:"include_expired"`
	Strategy       RerankStrategy `json:"strategy,omitempty"` // default relevance_time
}

// RetrievalResult is one scored hit, ordered by final score descending.
type RetrievalResult struct {
	Unit        *MemoryUnit `json:"unit"`
	Score       float64     `json:"score"`
	Source      QueryType   `json:"source"` // semantic | keyword | hybrid
	RerankScore float64     `json:"rerank_score,omitempty"`
}

// InjectionMode presets the injector's token budget.
type InjectionMode string

const (
	ModeComprehensive InjectionMode = "comprehensive" // unbounded
	ModeBalanced      InjectionMode = "balanced"
	ModeConservative  InjectionMode = "conservative"
)

// ComponentState is a health probe outcome for one component.
type ComponentState string

const (
	StateOK       ComponentState = "ok"
	StateDegraded ComponentState = "degraded"
	StateDown     ComponentState = "down"
)

// ComponentHealth pairs a state with human-readable detail.
type ComponentHealth struct {
	State  ComponentState `json:"state"`
	Detail string         `json:"detail,omitempty"`
}
