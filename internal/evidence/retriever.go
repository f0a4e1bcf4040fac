package evidence

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// Default hybrid fusion weights.
const (
	DefaultTRGMWeight   = 0.4
	DefaultQdrantWeight = 0.6
)

// TextSearcher is the text side of retrieval, backed by Postgres.
type TextSearcher interface {
	SearchTRGM(ctx context.Context, tenantID, siteID, query string, domains []string, limit int, minScore float64) ([]models.EvidenceHit, error)
	SearchLike(ctx context.Context, tenantID, siteID, query string, limit int) ([]models.EvidenceHit, error)
	GetByIDs(ctx context.Context, tenantID, siteID string, ids []string) ([]models.Evidence, error)
}

// VectorSearcher is the vector side of retrieval, backed by qdrant.
type VectorSearcher interface {
	Search(ctx context.Context, tenantID, siteID string, vector []float32, domains []string, limit int, minScore float64) ([]VectorHit, error)
}

// Query is one retrieval request.
type Query struct {
	TenantID string
	SiteID   string
	Query    string
	Strategy models.RetrievalStrategy
	Limit    int
	MinScore float64
	Domains  []string
}

// Retriever fans retrieval out across strategies and never returns an
// error: every failure path degrades to a weaker strategy or an empty
// result, with the path taken recorded in the result.
type Retriever struct {
	store    TextSearcher
	index    VectorSearcher
	embedder Embedder
	logger   *observability.Logger
	metrics  *observability.Metrics

	trgmWeight   float64
	qdrantWeight float64
}

// RetrieverOption customizes a Retriever.
type RetrieverOption func(*Retriever)

// WithWeights overrides the hybrid fusion weights.
func WithWeights(trgm, qdrant float64) RetrieverOption {
	return func(r *Retriever) {
		r.trgmWeight = trgm
		r.qdrantWeight = qdrant
	}
}

// WithMetrics attaches retrieval metrics.
func WithMetrics(m *observability.Metrics) RetrieverOption {
	return func(r *Retriever) { r.metrics = m }
}

// NewRetriever builds a retriever. index and embedder may be nil, in which
// case vector strategies degrade to trigram search.
func NewRetriever(store TextSearcher, index VectorSearcher, embedder Embedder, logger *observability.Logger, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:        store,
		index:        index,
		embedder:     embedder,
		logger:       logger,
		trgmWeight:   DefaultTRGMWeight,
		qdrantWeight: DefaultQdrantWeight,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve runs the requested strategy with the documented fallback
// ladder. The result always has StrategyUsed set and never reports an
// error to the caller.
func (r *Retriever) Retrieve(ctx context.Context, q Query) models.RetrievalResult {
	if q.Strategy == "" {
		q.Strategy = models.StrategyHybrid
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	var result models.RetrievalResult
	switch q.Strategy {
	case models.StrategyLike:
		result = r.retrieveLike(ctx, q)
	case models.StrategyTRGM:
		result = r.retrieveTRGM(ctx, q, "")
	case models.StrategyQdrant:
		result = r.retrieveQdrant(ctx, q)
	default:
		result = r.retrieveHybrid(ctx, q)
	}

	result.Scores = scoreDistribution(result.Hits)
	r.observe(result)
	return result
}

func (r *Retriever) retrieveLike(ctx context.Context, q Query) models.RetrievalResult {
	hits, err := r.store.SearchLike(ctx, q.TenantID, q.SiteID, q.Query, q.Limit)
	if err != nil {
		r.logger.Warn(ctx, "like search failed", "error", err)
		return models.RetrievalResult{Hits: []models.EvidenceHit{}, StrategyUsed: string(models.StrategyLike), FallbackReason: "like_error"}
	}
	return models.RetrievalResult{Hits: hits, StrategyUsed: string(models.StrategyLike)}
}

func (r *Retriever) retrieveTRGM(ctx context.Context, q Query, fallbackReason string) models.RetrievalResult {
	strategy := string(models.StrategyTRGM)
	if fallbackReason != "" {
		strategy = models.StrategyTRGMFallback
	}
	hits, err := r.store.SearchTRGM(ctx, q.TenantID, q.SiteID, q.Query, q.Domains, q.Limit, q.MinScore)
	if err != nil {
		r.logger.Warn(ctx, "trgm search failed", "error", err)
		return models.RetrievalResult{Hits: []models.EvidenceHit{}, StrategyUsed: strategy, FallbackReason: "trgm_error"}
	}
	return models.RetrievalResult{Hits: hits, StrategyUsed: strategy, FallbackReason: fallbackReason}
}

func (r *Retriever) retrieveQdrant(ctx context.Context, q Query) models.RetrievalResult {
	hits, reason := r.vectorHits(ctx, q)
	if reason != "" {
		return r.retrieveTRGM(ctx, q, reason)
	}
	return models.RetrievalResult{Hits: hits, StrategyUsed: string(models.StrategyQdrant)}
}

func (r *Retriever) retrieveHybrid(ctx context.Context, q Query) models.RetrievalResult {
	var trgmHits, vectorHits []models.EvidenceHit
	var trgmErr error
	var vectorReason string

	// The two searches are independent and must run concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		trgmHits, trgmErr = r.store.SearchTRGM(gctx, q.TenantID, q.SiteID, q.Query, q.Domains, q.Limit, q.MinScore)
		return nil
	})
	g.Go(func() error {
		vectorHits, vectorReason = r.vectorHits(gctx, q)
		return nil
	})
	_ = g.Wait()

	if trgmErr != nil {
		r.logger.Warn(ctx, "trgm search failed", "error", trgmErr)
		if vectorReason != "" {
			return models.RetrievalResult{Hits: []models.EvidenceHit{}, StrategyUsed: string(models.StrategyTRGM), FallbackReason: "trgm_error"}
		}
		return models.RetrievalResult{Hits: limitHits(vectorHits, q.Limit), StrategyUsed: string(models.StrategyQdrant), FallbackReason: "trgm_error"}
	}
	if vectorReason != "" {
		return models.RetrievalResult{Hits: limitHits(trgmHits, q.Limit), StrategyUsed: models.StrategyTRGMFallback, FallbackReason: hybridReason(vectorReason)}
	}

	merged := MergeHybrid(trgmHits, vectorHits, r.trgmWeight, r.qdrantWeight)
	return models.RetrievalResult{Hits: limitHits(merged, q.Limit), StrategyUsed: string(models.StrategyHybrid)}
}

// hybridReason labels why the hybrid merge degraded to trigram only.
// Qdrant unavailability keeps its own prefix; everything else failed inside
// the hybrid fan-out.
func hybridReason(vectorReason string) string {
	if vectorReason == "qdrant_unavailable" {
		return vectorReason
	}
	return "hybrid_error: " + vectorReason
}

// vectorHits embeds the query and searches the index, hydrating ids into
// full evidence records. A non-empty reason means the vector path is
// unavailable and the caller should degrade.
func (r *Retriever) vectorHits(ctx context.Context, q Query) ([]models.EvidenceHit, string) {
	if r.index == nil || r.embedder == nil {
		return nil, "qdrant_unavailable"
	}

	vector, err := r.embedder.Embed(ctx, q.Query)
	if err != nil {
		r.logger.Warn(ctx, "embedding failed", "error", err)
		return nil, "embedding_error"
	}
	if len(vector) == 0 {
		return nil, "embedding_unavailable"
	}

	raw, err := r.index.Search(ctx, q.TenantID, q.SiteID, vector, q.Domains, q.Limit, q.MinScore)
	if err != nil {
		r.logger.Warn(ctx, "qdrant search failed", "error", err)
		return nil, "qdrant_unavailable"
	}
	if len(raw) == 0 {
		return []models.EvidenceHit{}, ""
	}

	ids := make([]string, len(raw))
	scores := make(map[string]float64, len(raw))
	for i, hit := range raw {
		ids[i] = hit.ID
		scores[hit.ID] = hit.Score
	}

	records, err := r.store.GetByIDs(ctx, q.TenantID, q.SiteID, ids)
	if err != nil {
		r.logger.Warn(ctx, "evidence hydration failed", "error", err)
		return nil, "qdrant_unavailable"
	}

	hits := make([]models.EvidenceHit, 0, len(records))
	for _, ev := range records {
		hits = append(hits, models.EvidenceHit{Evidence: ev, Score: scores[ev.ID]})
	}
	sortHits(hits)
	return hits, ""
}

// MergeHybrid fuses the two hit lists by evidence id. Overlapping hits
// combine as trgmWeight*trgm + qdrantWeight*qdrant; hits present on one
// side only are scaled by that side's weight.
func MergeHybrid(trgmHits, vectorHits []models.EvidenceHit, trgmWeight, qdrantWeight float64) []models.EvidenceHit {
	type fused struct {
		evidence models.Evidence
		score    float64
	}

	byID := make(map[string]*fused, len(trgmHits)+len(vectorHits))
	order := make([]string, 0, len(trgmHits)+len(vectorHits))

	for _, hit := range trgmHits {
		byID[hit.Evidence.ID] = &fused{evidence: hit.Evidence, score: trgmWeight * hit.Score}
		order = append(order, hit.Evidence.ID)
	}
	for _, hit := range vectorHits {
		if entry, ok := byID[hit.Evidence.ID]; ok {
			entry.score += qdrantWeight * hit.Score
			continue
		}
		byID[hit.Evidence.ID] = &fused{evidence: hit.Evidence, score: qdrantWeight * hit.Score}
		order = append(order, hit.Evidence.ID)
	}

	merged := make([]models.EvidenceHit, 0, len(order))
	for _, id := range order {
		entry := byID[id]
		merged = append(merged, models.EvidenceHit{Evidence: entry.evidence, Score: entry.score})
	}
	sortHits(merged)
	return merged
}

func sortHits(hits []models.EvidenceHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Evidence.Confidence > hits[j].Evidence.Confidence
	})
}

func limitHits(hits []models.EvidenceHit, limit int) []models.EvidenceHit {
	if hits == nil {
		return []models.EvidenceHit{}
	}
	if limit > 0 && len(hits) > limit {
		return hits[:limit]
	}
	return hits
}

func scoreDistribution(hits []models.EvidenceHit) models.ScoreDistribution {
	dist := models.ScoreDistribution{Count: len(hits)}
	if len(hits) == 0 {
		return dist
	}
	dist.Min = hits[0].Score
	dist.Max = hits[0].Score
	total := 0.0
	for _, hit := range hits {
		if hit.Score < dist.Min {
			dist.Min = hit.Score
		}
		if hit.Score > dist.Max {
			dist.Max = hit.Score
		}
		total += hit.Score
	}
	dist.Avg = total / float64(len(hits))
	return dist
}

func (r *Retriever) observe(result models.RetrievalResult) {
	if r.metrics == nil {
		return
	}
	fallback := "no"
	if result.FallbackReason != "" {
		fallback = "yes"
	}
	r.metrics.RetrievalCounter.WithLabelValues(result.StrategyUsed, fallback).Inc()
	r.metrics.RetrievalHits.Observe(float64(len(result.Hits)))
}
