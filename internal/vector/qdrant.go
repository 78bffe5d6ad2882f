package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/engramd/engramd/internal/config"
	"github.com/engramd/engramd/internal/memerr"
	"github.com/engramd/engramd/internal/models"
)

// qdrantStore is the Qdrant-backed implementation of Store.
type qdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantStore connects to Qdrant over gRPC. The connection is lazy; use
// Ping or EnsureCollection to verify reachability.
func NewQdrantStore(cfg *config.Config) (Store, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Vector.Host,
		Port:   cfg.Vector.Port,
		APIKey: cfg.Vector.APIKey,
		UseTLS: cfg.Vector.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect qdrant: %w", err)
	}
	return &qdrantStore{
		client:     client,
		collection: cfg.Vector.CollectionName,
		dimension:  cfg.Vector.Dimension,
	}, nil
}

func (s *qdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return memerr.E(memerr.CodeStoreUnavailable, "vector store unreachable", err)
	}
	if !exists {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(s.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return memerr.E(memerr.CodeStoreUnavailable, "create collection", err)
		}
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return memerr.E(memerr.CodeStoreUnavailable, "inspect collection", err)
	}
	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != 0 && size != uint64(s.dimension) {
		return memerr.Ef(memerr.CodeValidation,
			"collection %s has dimension %d, configured %d", s.collection, size, s.dimension)
	}
	return nil
}

func (s *qdrantStore) Upsert(ctx context.Context, unit *models.MemoryUnit, vec []float32) error {
	if len(vec) != s.dimension {
		return memerr.Ef(memerr.CodeValidation,
			"embedding dimension %d does not match collection dimension %d", len(vec), s.dimension)
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(unit.UnitID),
			Vectors: qdrant.NewVectors(vec...),
			Payload: qdrant.NewValueMap(pointPayload(unit)),
		}},
	})
	if err != nil {
		return memerr.E(memerr.CodeStoreUnavailable, "vector upsert", err)
	}
	return nil
}

// pointPayload is the payload stored with each point: the identifiers and
// keywords for reverse lookup, plus the fields server-side filters touch.
func pointPayload(unit *models.MemoryUnit) map[string]any {
	payload := map[string]any{
		"unit_id":         unit.UnitID,
		"conversation_id": unit.ConversationID,
		"project_id":      unit.ProjectID,
		"unit_type":       string(unit.UnitType),
		"created_at":      unit.CreatedAt.Unix(),
	}
	keywords := make([]any, len(unit.Keywords))
	for i, kw := range unit.Keywords {
		keywords[i] = kw
	}
	payload["keywords"] = keywords
	if unit.ExpiresAt != nil {
		payload["expires_at"] = unit.ExpiresAt.Unix()
	}
	return payload
}

func (s *qdrantStore) Search(ctx context.Context, q SearchQuery) ([]*Hit, error) {
	if len(q.Vector) != s.dimension {
		return nil, memerr.Ef(memerr.CodeValidation,
			"query dimension %d does not match collection dimension %d", len(q.Vector), s.dimension)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(q.Vector...),
		Filter:         buildFilter(q),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, memerr.E(memerr.CodeStoreUnavailable, "vector search", err)
	}

	hits := make([]*Hit, 0, len(points))
	for _, p := range points {
		unitID := p.GetId().GetUuid()
		if unitID == "" {
			if v, ok := p.GetPayload()["unit_id"]; ok {
				unitID = v.GetStringValue()
			}
		}
		if unitID == "" {
			continue
		}
		hits = append(hits, &Hit{UnitID: unitID, Score: float64(p.GetScore())})
	}
	return hits, nil
}

// buildFilter translates the query into server-side payload conditions.
// Expiry filtering keeps units with no expires_at payload field (permanent)
// or one still in the future.
func buildFilter(q SearchQuery) *qdrant.Filter {
	filter := &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("project_id", q.ProjectID),
		},
	}

	if len(q.UnitTypes) > 0 {
		types := make([]string, len(q.UnitTypes))
		for i, t := range q.UnitTypes {
			types[i] = string(t)
		}
		filter.Must = append(filter.Must, qdrant.NewMatchKeywords("unit_type", types...))
	}

	if !q.IncludeExpired {
		now := float64(time.Now().Unix())
		filter.Must = append(filter.Must, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{
				Filter: &qdrant.Filter{
					Should: []*qdrant.Condition{
						qdrant.NewIsEmpty("expires_at"),
						qdrant.NewRange("expires_at", &qdrant.Range{Gt: qdrant.PtrOf(now)}),
					},
				},
			},
		})
	}

	if q.TimeRange != nil {
		r := &qdrant.Range{}
		if !q.TimeRange.From.IsZero() {
			r.Gte = qdrant.PtrOf(float64(q.TimeRange.From.Unix()))
		}
		if !q.TimeRange.To.IsZero() {
			r.Lte = qdrant.PtrOf(float64(q.TimeRange.To.Unix()))
		}
		if r.Gte != nil || r.Lte != nil {
			filter.Must = append(filter.Must, qdrant.NewRange("created_at", r))
		}
	}

	return filter
}

func (s *qdrantStore) Delete(ctx context.Context, unitID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(qdrant.NewID(unitID)),
	})
	if err != nil {
		return memerr.E(memerr.CodeStoreUnavailable, "vector delete", err)
	}
	return nil
}

func (s *qdrantStore) Count(ctx context.Context) (uint64, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, memerr.E(memerr.CodeStoreUnavailable, "vector count", err)
	}
	return n, nil
}

func (s *qdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return memerr.E(memerr.CodeStoreUnavailable, "vector store unreachable", err)
	}
	return nil
}

func (s *qdrantStore) Close() error { return s.client.Close() }
