// Package vector is the semantic index: memory unit embeddings live in a
// Qdrant collection, one point per unit, cosine similarity. Payloads carry
// just enough metadata to filter server-side; the structured store remains
// the source of truth for unit content.
package vector

import (
	"context"

	"github.com/engramd/engramd/internal/models"
)

// Hit is one ANN match. Scores are cosine similarity in [0, 1] for
// normalized vectors.
type Hit struct {
	UnitID string
	Score  float64
}

// SearchQuery bounds one ANN search. UnitTypes empty means all types; a nil
// TimeRange means unbounded.
type SearchQuery struct {
	Vector         []float32
	ProjectID      string
	Limit          int
	UnitTypes      []models.UnitType
	TimeRange      *models.TimeRange
	IncludeExpired bool
}

// Store is the vector index interface.
type Store interface {
	// EnsureCollection verifies the collection exists with the configured
	// dimension, creating it when absent. A dimension mismatch is an error,
	// never a silent recreate.
	EnsureCollection(ctx context.Context) error
	// Upsert writes the unit's embedding and filter payload. The vector
	// length must equal the collection dimension.
	Upsert(ctx context.Context, unit *models.MemoryUnit, vec []float32) error
	Search(ctx context.Context, q SearchQuery) ([]*Hit, error)
	// Delete removes the unit's point. Deleting an absent point is not an
	// error.
	Delete(ctx context.Context, unitID string) error
	Count(ctx context.Context) (uint64, error)
	Ping(ctx context.Context) error
	Close() error
}
