package evidence

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

type fakeTextSearcher struct {
	trgmHits []models.EvidenceHit
	trgmErr  error
	likeHits []models.EvidenceHit
	records  map[string]models.Evidence
}

func (f *fakeTextSearcher) SearchTRGM(ctx context.Context, tenantID, siteID, query string, domains []string, limit int, minScore float64) ([]models.EvidenceHit, error) {
	return f.trgmHits, f.trgmErr
}

func (f *fakeTextSearcher) SearchLike(ctx context.Context, tenantID, siteID, query string, limit int) ([]models.EvidenceHit, error) {
	return f.likeHits, nil
}

func (f *fakeTextSearcher) GetByIDs(ctx context.Context, tenantID, siteID string, ids []string) ([]models.Evidence, error) {
	out := []models.Evidence{}
	for _, id := range ids {
		if ev, ok := f.records[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

type fakeVectorSearcher struct {
	hits []VectorHit
	err  error
}

func (f *fakeVectorSearcher) Search(ctx context.Context, tenantID, siteID string, vector []float32, domains []string, limit int, minScore float64) ([]VectorHit, error) {
	return f.hits, f.err
}

type fixedEmbedder struct {
	vector []float32
	err    error
}

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vector, f.err
}

func (f fixedEmbedder) Dimension() int { return len(f.vector) }

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func hit(id string, score float64) models.EvidenceHit {
	return models.EvidenceHit{Evidence: models.Evidence{ID: id, TenantID: "t1", SiteID: "s1"}, Score: score}
}

func TestMergeHybridOverlap(t *testing.T) {
	trgm := []models.EvidenceHit{hit("a", 0.8), hit("b", 0.5)}
	vector := []models.EvidenceHit{hit("a", 0.9), hit("c", 0.7)}

	merged := MergeHybrid(trgm, vector, 0.4, 0.6)
	if len(merged) != 3 {
		t.Fatalf("merged %d hits, want 3", len(merged))
	}

	scores := map[string]float64{}
	for _, h := range merged {
		scores[h.Evidence.ID] = h.Score
	}

	// Overlapping hit fuses both weighted scores.
	if want := 0.4*0.8 + 0.6*0.9; math.Abs(scores["a"]-want) > 1e-9 {
		t.Errorf("fused score for a = %f, want %f", scores["a"], want)
	}
	// Single-side hits are scaled by their weight.
	if want := 0.4 * 0.5; math.Abs(scores["b"]-want) > 1e-9 {
		t.Errorf("trgm-only score for b = %f, want %f", scores["b"], want)
	}
	if want := 0.6 * 0.7; math.Abs(scores["c"]-want) > 1e-9 {
		t.Errorf("vector-only score for c = %f, want %f", scores["c"], want)
	}

	// Sorted by fused score descending.
	if merged[0].Evidence.ID != "a" {
		t.Errorf("top hit = %s, want a", merged[0].Evidence.ID)
	}
}

func TestRetrieveHybrid(t *testing.T) {
	store := &fakeTextSearcher{
		trgmHits: []models.EvidenceHit{hit("a", 0.8)},
		records: map[string]models.Evidence{
			"b": {ID: "b", TenantID: "t1", SiteID: "s1"},
		},
	}
	index := &fakeVectorSearcher{hits: []VectorHit{{ID: "b", Score: 0.9}}}
	r := NewRetriever(store, index, fixedEmbedder{vector: []float32{0.1, 0.2}}, testLogger())

	result := r.Retrieve(context.Background(), Query{TenantID: "t1", SiteID: "s1", Query: "temple"})
	if result.StrategyUsed != "hybrid" {
		t.Errorf("StrategyUsed = %s, want hybrid", result.StrategyUsed)
	}
	if result.FallbackReason != "" {
		t.Errorf("unexpected fallback: %s", result.FallbackReason)
	}
	if len(result.Hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(result.Hits))
	}
	if result.Scores.Count != 2 {
		t.Errorf("Scores.Count = %d, want 2", result.Scores.Count)
	}
}

func TestRetrieveHybridDegradesWithoutEmbedding(t *testing.T) {
	store := &fakeTextSearcher{trgmHits: []models.EvidenceHit{hit("a", 0.8)}}
	index := &fakeVectorSearcher{}
	r := NewRetriever(store, index, NoopEmbedder{}, testLogger())

	result := r.Retrieve(context.Background(), Query{TenantID: "t1", SiteID: "s1", Query: "temple", Strategy: models.StrategyHybrid})
	if result.StrategyUsed != models.StrategyTRGMFallback {
		t.Errorf("StrategyUsed = %s, want trgm_fallback", result.StrategyUsed)
	}
	if result.FallbackReason != "hybrid_error: embedding_unavailable" {
		t.Errorf("FallbackReason = %s, want hybrid_error: embedding_unavailable", result.FallbackReason)
	}
	if len(result.Hits) != 1 {
		t.Errorf("got %d hits, want trgm hits preserved", len(result.Hits))
	}
}

func TestRetrieveHybridDegradesOnIndexError(t *testing.T) {
	store := &fakeTextSearcher{trgmHits: []models.EvidenceHit{hit("a", 0.8), hit("b", 0.6)}}
	index := &fakeVectorSearcher{err: errors.New("connection refused")}
	r := NewRetriever(store, index, fixedEmbedder{vector: []float32{0.1}}, testLogger())

	result := r.Retrieve(context.Background(), Query{TenantID: "t1", SiteID: "s1", Query: "temple", Strategy: models.StrategyHybrid})
	if result.StrategyUsed != models.StrategyTRGMFallback {
		t.Errorf("StrategyUsed = %s, want trgm_fallback", result.StrategyUsed)
	}
	if result.FallbackReason != "qdrant_unavailable" {
		t.Errorf("FallbackReason = %s, want qdrant_unavailable", result.FallbackReason)
	}
	if len(result.Hits) != 2 {
		t.Errorf("got %d hits, want trgm hits preserved", len(result.Hits))
	}
}

func TestRetrieveQdrantDegradesOnIndexError(t *testing.T) {
	store := &fakeTextSearcher{trgmHits: []models.EvidenceHit{hit("a", 0.7)}}
	index := &fakeVectorSearcher{err: errors.New("connection refused")}
	r := NewRetriever(store, index, fixedEmbedder{vector: []float32{0.1}}, testLogger())

	result := r.Retrieve(context.Background(), Query{TenantID: "t1", SiteID: "s1", Query: "temple", Strategy: models.StrategyQdrant})
	if result.StrategyUsed != models.StrategyTRGMFallback {
		t.Errorf("StrategyUsed = %s, want trgm_fallback", result.StrategyUsed)
	}
	if result.FallbackReason != "qdrant_unavailable" {
		t.Errorf("FallbackReason = %s, want qdrant_unavailable", result.FallbackReason)
	}
}

func TestRetrieveTRGMErrorReturnsEmpty(t *testing.T) {
	store := &fakeTextSearcher{trgmErr: errors.New("db down")}
	r := NewRetriever(store, nil, nil, testLogger())

	result := r.Retrieve(context.Background(), Query{TenantID: "t1", SiteID: "s1", Query: "temple", Strategy: models.StrategyTRGM})
	if len(result.Hits) != 0 {
		t.Errorf("got %d hits, want 0", len(result.Hits))
	}
	if result.FallbackReason != "trgm_error" {
		t.Errorf("FallbackReason = %s, want trgm_error", result.FallbackReason)
	}
	if result.Hits == nil {
		t.Error("Hits must be an empty slice, not nil")
	}
}

func TestRetrieveHybridBothSidesFail(t *testing.T) {
	store := &fakeTextSearcher{trgmErr: errors.New("db down")}
	r := NewRetriever(store, nil, nil, testLogger())

	result := r.Retrieve(context.Background(), Query{TenantID: "t1", SiteID: "s1", Query: "temple"})
	if len(result.Hits) != 0 {
		t.Errorf("got %d hits, want 0", len(result.Hits))
	}
	if result.FallbackReason != "trgm_error" {
		t.Errorf("FallbackReason = %s, want trgm_error", result.FallbackReason)
	}
}

func TestRetrieveLimit(t *testing.T) {
	store := &fakeTextSearcher{
		trgmHits: []models.EvidenceHit{hit("a", 0.9), hit("b", 0.8), hit("c", 0.7)},
	}
	r := NewRetriever(store, nil, nil, testLogger())

	result := r.Retrieve(context.Background(), Query{TenantID: "t1", SiteID: "s1", Query: "temple", Strategy: models.StrategyHybrid, Limit: 2})
	if len(result.Hits) != 2 {
		t.Errorf("got %d hits, want 2", len(result.Hits))
	}
}

func TestScoreDistribution(t *testing.T) {
	dist := scoreDistribution([]models.EvidenceHit{hit("a", 0.2), hit("b", 0.8), hit("c", 0.5)})
	if dist.Count != 3 {
		t.Errorf("Count = %d", dist.Count)
	}
	if dist.Min != 0.2 || dist.Max != 0.8 {
		t.Errorf("Min/Max = %f/%f", dist.Min, dist.Max)
	}
	if math.Abs(dist.Avg-0.5) > 1e-9 {
		t.Errorf("Avg = %f, want 0.5", dist.Avg)
	}

	empty := scoreDistribution(nil)
	if empty.Count != 0 || empty.Min != 0 || empty.Max != 0 || empty.Avg != 0 {
		t.Errorf("empty distribution = %+v", empty)
	}
}
