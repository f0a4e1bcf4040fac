package evidence

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// QdrantIndex is the vector side of retrieval. Points carry the evidence id
// plus tenant/site/domain payload fields so searches stay scoped.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// QdrantConfig configures the vector index connection.
type QdrantConfig struct {
	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	APIKey     string `yaml:"api_key" json:"api_key"`
	UseTLS     bool   `yaml:"use_tls" json:"use_tls"`
	Collection string `yaml:"collection" json:"collection"`
	Dimension  int    `yaml:"dimension" json:"dimension"`
}

// NewQdrantIndex connects to qdrant. The collection is created lazily on
// first upsert.
func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "evidences"
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 1536
	}
	return &QdrantIndex{client: client, collection: collection, dimension: dimension}, nil
}

// EnsureCollection creates the collection if missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// Upsert indexes one evidence record under the given vector.
func (q *QdrantIndex) Upsert(ctx context.Context, ev models.Evidence, vector []float32) error {
	if len(vector) != q.dimension {
		return fmt.Errorf("vector dimension %d does not match collection dimension %d", len(vector), q.dimension)
	}
	if err := q.EnsureCollection(ctx); err != nil {
		return err
	}

	payload := map[string]*qdrant.Value{}
	fields := map[string]any{
		"tenant_id":  ev.TenantID,
		"site_id":    ev.SiteID,
		"title":      ev.Title,
		"confidence": ev.Confidence,
	}
	if len(ev.Domains) > 0 {
		fields["domains"] = ev.Domains
	}
	for key, value := range fields {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("convert payload %s: %w", key, err)
		}
		payload[key] = val
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(ev.ID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	if err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	return nil
}

// Delete removes one evidence point from the index.
func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete point %s: %w", id, err)
	}
	return nil
}

// Search returns evidence ids with cosine scores above minScore, scoped to
// (tenant, site) and optionally filtered by domains. A dimension mismatch
// between the query vector and the collection returns an empty result.
func (q *QdrantIndex) Search(ctx context.Context, tenantID, siteID string, vector []float32, domains []string, limit int, minScore float64) ([]VectorHit, error) {
	if len(vector) != q.dimension {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	must := []*qdrant.Condition{
		qdrant.NewMatch("tenant_id", tenantID),
		qdrant.NewMatch("site_id", siteID),
	}
	if len(domains) > 0 {
		must = append(must, qdrant.NewMatchKeywords("domains", domains...))
	}

	threshold := float32(minScore)
	result, err := q.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(limit),
		Filter:         &qdrant.Filter{Must: must},
		ScoreThreshold: &threshold,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}

	hits := make([]VectorHit, 0, len(result.Result))
	for _, point := range result.Result {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}
		hits = append(hits, VectorHit{ID: id, Score: float64(point.Score)})
	}
	return hits, nil
}

// VectorHit is one scored id from the vector index.
type VectorHit struct {
	ID    string
	Score float64
}

// Close releases the qdrant connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
