package workers

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/internal/evidence"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func TestInterleaveByTenant(t *testing.T) {
	refs := []evidence.SiteRef{
		{TenantID: "a", SiteID: "a1"},
		{TenantID: "a", SiteID: "a2"},
		{TenantID: "a", SiteID: "a3"},
		{TenantID: "b", SiteID: "b1"},
		{TenantID: "c", SiteID: "c1"},
		{TenantID: "c", SiteID: "c2"},
	}
	got := interleaveByTenant(refs, func(r evidence.SiteRef) string { return r.TenantID })

	want := []string{"a1", "b1", "c1", "a2", "c2", "a3"}
	if len(got) != len(want) {
		t.Fatalf("got %d refs, want %d", len(got), len(want))
	}
	for i, ref := range got {
		if ref.SiteID != want[i] {
			t.Errorf("position %d = %s, want %s", i, ref.SiteID, want[i])
		}
	}
}

type fakeEvidenceSource struct {
	refs     []evidence.SiteRef
	batches  map[string][]models.Evidence
	embedded []string
}

func (f *fakeEvidenceSource) SiteRefs(ctx context.Context) ([]evidence.SiteRef, error) {
	return f.refs, nil
}

func (f *fakeEvidenceSource) UnembeddedBatch(ctx context.Context, tenantID, siteID string, limit int) ([]models.Evidence, error) {
	return f.batches[tenantID+"/"+siteID], nil
}

func (f *fakeEvidenceSource) StaleEmbeddedBatch(ctx context.Context, tenantID, siteID string, cutoff time.Time, limit int) ([]models.Evidence, error) {
	return f.batches[tenantID+"/"+siteID], nil
}

func (f *fakeEvidenceSource) MarkEmbedded(ctx context.Context, id string) error {
	f.embedded = append(f.embedded, id)
	return nil
}

type fixedEmbedder struct{ vector []float32 }

func (e fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vector, nil
}

func (e fixedEmbedder) Dimension() int { return len(e.vector) }

type captureIndex struct{ upserts []string }

func (c *captureIndex) Upsert(ctx context.Context, ev models.Evidence, vector []float32) error {
	c.upserts = append(c.upserts, ev.ID)
	return nil
}

func TestBackfillIndexesAndMarks(t *testing.T) {
	store := &fakeEvidenceSource{
		refs: []evidence.SiteRef{{TenantID: "t1", SiteID: "s1"}},
		batches: map[string][]models.Evidence{
			"t1/s1": {{ID: "e1", Title: "Bell Tower", Excerpt: "north gate"}, {ID: "e2", Title: "Moat"}},
		},
	}
	index := &captureIndex{}
	job := NewBackfillJob(store, fixedEmbedder{vector: []float32{0.1, 0.2}}, index, 10, testLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(index.upserts) != 2 {
		t.Errorf("upserts = %v", index.upserts)
	}
	if len(store.embedded) != 2 || store.embedded[0] != "e1" {
		t.Errorf("embedded = %v", store.embedded)
	}
}

func TestBackfillSkipsWithoutVector(t *testing.T) {
	store := &fakeEvidenceSource{
		refs: []evidence.SiteRef{{TenantID: "t1", SiteID: "s1"}},
		batches: map[string][]models.Evidence{
			"t1/s1": {{ID: "e1", Title: "Bell Tower"}},
		},
	}
	index := &captureIndex{}
	job := NewBackfillJob(store, evidence.NoopEmbedder{}, index, 10, testLogger())

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(index.upserts) != 0 {
		t.Errorf("noop embedder produced upserts: %v", index.upserts)
	}
	if len(store.embedded) != 0 {
		t.Errorf("unembedded records marked: %v", store.embedded)
	}
}

type countedJob struct {
	ran chan struct{}
}

func (j *countedJob) Name() string { return "counted" }

func (j *countedJob) Run(ctx context.Context) error {
	select {
	case j.ran <- struct{}{}:
	default:
	}
	return nil
}

func TestRunnerSchedulesJob(t *testing.T) {
	runner := NewRunner(testLogger(), WithJobTimeout(time.Second))
	job := &countedJob{ran: make(chan struct{}, 1)}
	if err := runner.Add("@every 1s", job); err != nil {
		t.Fatalf("Add: %v", err)
	}
	runner.Start()
	defer runner.Stop()

	select {
	case <-job.ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	runner := NewRunner(testLogger())
	if err := runner.Add("not a cron spec", &countedJob{ran: make(chan struct{}, 1)}); err == nil {
		t.Error("bad spec accepted")
	}
}
