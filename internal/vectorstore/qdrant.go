package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/turnstonelabs/turnstone/internal/vectorstore/embed"
)

// payloadTextKey is the reserved payload field carrying the point's text.
const payloadTextKey = "text"

// QdrantStore keeps vectors in a Qdrant instance over gRPC.
type QdrantStore struct {
	client   *qdrant.Client
	provider embed.Provider
}

var _ Store = (*QdrantStore)(nil)

// NewQdrant connects to qdrant.
func NewQdrant(cfg Config, provider embed.Provider) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantStore{client: client, provider: provider}, nil
}

// CreateCollection ensures the collection exists with cosine distance.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dim int) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// Upsert inserts or replaces points, embedding any that lack vectors. Text
// travels inside the payload under a reserved key.
func (s *QdrantStore) Upsert(ctx context.Context, collection string, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := embedMissing(ctx, s.provider, points); err != nil {
		return err
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := make(map[string]*qdrant.Value)
		for key, value := range SanitizeMetadata(p.Metadata) {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
			}
			payload[key] = val
		}
		textVal, err := qdrant.NewValue(p.Text)
		if err != nil {
			return fmt.Errorf("failed to convert text for point %s: %w", p.ID, err)
		}
		payload[payloadTextKey] = textVal

		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		})
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         qdrantPoints,
	}); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// Search embeds the query and runs a filtered nearest-neighbour search.
func (s *QdrantStore) Search(ctx context.Context, collection, query string, limit int, filter Filter) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	queryVec, err := s.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         queryVec,
		Limit:          uint64(limit),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		searchRequest.Filter = buildQdrantFilter(filter)
	}

	searchResult, err := s.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}
	return convertScoredPoints(searchResult.Result), nil
}

// Delete removes points by id.
func (s *QdrantStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, &qdrant.PointId{
			PointIdOptions: &qdrant.PointId_Uuid{Uuid: id},
		})
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// buildQdrantFilter converts an equality filter into must-match conditions.
func buildQdrantFilter(filter Filter) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range SanitizeMetadata(filter) {
		var match *qdrant.Match
		switch tv := value.(type) {
		case string:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: tv}}
		case bool:
			match = &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: tv}}
		case int, int32, int64, uint, uint32, uint64:
			f, _ := asFloat(tv)
			match = &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: int64(f)}}
		default:
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{Key: key, Match: match},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

// convertScoredPoints flattens qdrant results into Hits.
func convertScoredPoints(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hit := Hit{Score: float64(p.GetScore())}

		switch idOpt := p.GetId().GetPointIdOptions().(type) {
		case *qdrant.PointId_Uuid:
			hit.ID = idOpt.Uuid
		case *qdrant.PointId_Num:
			hit.ID = fmt.Sprintf("%d", idOpt.Num)
		}

		payload := p.GetPayload()
		if len(payload) > 0 {
			hit.Metadata = make(map[string]any, len(payload))
			for key, val := range payload {
				decoded := decodeQdrantValue(val)
				if key == payloadTextKey {
					if text, ok := decoded.(string); ok {
						hit.Text = text
						continue
					}
				}
				hit.Metadata[key] = decoded
			}
		}
		hits = append(hits, hit)
	}
	return hits
}

func decodeQdrantValue(val *qdrant.Value) any {
	switch kind := val.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		list := make([]any, 0, len(values))
		for _, item := range values {
			list = append(list, decodeQdrantValue(item))
		}
		return list
	default:
		return nil
	}
}
