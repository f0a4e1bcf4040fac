package workers

import (
	"context"
	"errors"
	"time"

	"github.com/lorekeep/lorekeep/internal/evidence"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// EvidenceSource supplies backfill batches. *evidence.PostgresStore
// satisfies it.
type EvidenceSource interface {
	SiteRefs(ctx context.Context) ([]evidence.SiteRef, error)
	UnembeddedBatch(ctx context.Context, tenantID, siteID string, limit int) ([]models.Evidence, error)
	StaleEmbeddedBatch(ctx context.Context, tenantID, siteID string, cutoff time.Time, limit int) ([]models.Evidence, error)
	MarkEmbedded(ctx context.Context, id string) error
}

// VectorIndex receives the embedded points. *evidence.QdrantIndex
// satisfies it.
type VectorIndex interface {
	Upsert(ctx context.Context, ev models.Evidence, vector []float32) error
}

// BackfillJob pushes evidence without vectors into the index, one bounded
// batch per site per run.
type BackfillJob struct {
	store     EvidenceSource
	embedder  evidence.Embedder
	index     VectorIndex
	batchSize int
	logger    *observability.Logger
}

// NewBackfillJob wires the backfill worker.
func NewBackfillJob(store EvidenceSource, embedder evidence.Embedder, index VectorIndex, batchSize int, logger *observability.Logger) *BackfillJob {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &BackfillJob{store: store, embedder: embedder, index: index, batchSize: batchSize, logger: logger}
}

func (j *BackfillJob) Name() string { return "vector-backfill" }

func (j *BackfillJob) Run(ctx context.Context) error {
	return j.process(ctx, func(ctx context.Context, ref evidence.SiteRef) ([]models.Evidence, error) {
		return j.store.UnembeddedBatch(ctx, ref.TenantID, ref.SiteID, j.batchSize)
	})
}

// process iterates sites tenant-fairly and embeds one batch per site.
// Records the embedder declines (nil vector) stay unmarked and are picked
// up again once a real embedder is configured.
func (j *BackfillJob) process(ctx context.Context, fetch func(context.Context, evidence.SiteRef) ([]models.Evidence, error)) error {
	refs, err := j.store.SiteRefs(ctx)
	if err != nil {
		return err
	}
	refs = interleaveByTenant(refs, func(r evidence.SiteRef) string { return r.TenantID })

	var errs []error
	for _, ref := range refs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		batch, err := fetch(ctx, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ev := range batch {
			if err := j.indexOne(ctx, ev); err != nil {
				j.logger.Warn(ctx, "evidence indexing failed", "evidence_id", ev.ID, "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (j *BackfillJob) indexOne(ctx context.Context, ev models.Evidence) error {
	vector, err := j.embedder.Embed(ctx, ev.Title+"\n"+ev.Excerpt)
	if err != nil {
		return err
	}
	if vector == nil {
		return nil
	}
	if err := j.index.Upsert(ctx, ev, vector); err != nil {
		return err
	}
	return j.store.MarkEmbedded(ctx, ev.ID)
}

// RefreshJob re-embeds records whose vectors predate the cutoff age, for
// rolling out an embedding model change without a manual sweep.
type RefreshJob struct {
	backfill *BackfillJob
	maxAge   time.Duration
}

// NewRefreshJob wires the refresh worker on top of the backfill machinery.
func NewRefreshJob(store EvidenceSource, embedder evidence.Embedder, index VectorIndex, batchSize int, maxAge time.Duration, logger *observability.Logger) *RefreshJob {
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	return &RefreshJob{
		backfill: NewBackfillJob(store, embedder, index, batchSize, logger),
		maxAge:   maxAge,
	}
}

func (j *RefreshJob) Name() string { return "embedding-refresh" }

func (j *RefreshJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.maxAge)
	return j.backfill.process(ctx, func(ctx context.Context, ref evidence.SiteRef) ([]models.Evidence, error) {
		return j.backfill.store.StaleEmbeddedBatch(ctx, ref.TenantID, ref.SiteID, cutoff, j.backfill.batchSize)
	})
}
