package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lorekeep/lorekeep/pkg/models"
)

var evidenceRows = []string{
	"id", "tenant_id", "site_id", "title", "excerpt", "source_type", "source_ref",
	"confidence", "verified", "tags", "domains", "supersedes", "deleted", "created_at",
}

func TestSearchTRGM(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(append(evidenceRows, "score")).
		AddRow("ev-1", "t1", "s1", "Bell Tower", "Built long ago", "document", "doc-1",
			0.9, true, `["architecture"]`, `["history"]`, "", false, now, 0.72).
		AddRow("ev-2", "t1", "s1", "Bell Tower Repairs", "Restored", "document", "doc-2",
			0.7, false, `[]`, `[]`, "", false, now, 0.55)

	mock.ExpectQuery("GREATEST\\(similarity").
		WithArgs("bell tower", "t1", "s1", 0.3).
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	hits, err := store.SearchTRGM(context.Background(), "t1", "s1", "bell tower", nil, 10, 0.3)
	if err != nil {
		t.Fatalf("SearchTRGM: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Evidence.ID != "ev-1" || hits[0].Score != 0.72 {
		t.Errorf("first hit = %s score %f", hits[0].Evidence.ID, hits[0].Score)
	}
	if len(hits[0].Evidence.Tags) != 1 || hits[0].Evidence.Tags[0] != "architecture" {
		t.Errorf("tags = %v", hits[0].Evidence.Tags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSearchLike(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows(append(evidenceRows, "score")).
		AddRow("ev-1", "t1", "s1", "Bell Tower", "excerpt", "", "",
			0.9, true, `[]`, `[]`, "", false, time.Now(), 0.5)

	mock.ExpectQuery("ILIKE").
		WithArgs("t1", "s1", "bell").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	hits, err := store.SearchLike(context.Background(), "t1", "s1", "bell", 10)
	if err != nil {
		t.Fatalf("SearchLike: %v", err)
	}
	if len(hits) != 1 || hits[0].Score != 0.5 {
		t.Errorf("hits = %v", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertGeneratesID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO evidences").
		WillReturnResult(sqlmock.NewResult(1, 1))

	store := NewPostgresStore(db)
	ev, err := store.Insert(context.Background(), testEvidence())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ev.ID == "" {
		t.Error("Insert did not assign an id")
	}
	if ev.CreatedAt.IsZero() {
		t.Error("Insert did not stamp created_at")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSoftDeleteMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE evidences SET deleted").
		WithArgs("ev-x", "t1", "s1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	if err := store.SoftDelete(context.Background(), "t1", "s1", "ev-x"); err == nil {
		t.Error("expected error for missing evidence")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func testEvidence() models.Evidence {
	return models.Evidence{
		TenantID:   "t1",
		SiteID:     "s1",
		Title:      "Bell Tower",
		Excerpt:    "Built long ago",
		Confidence: 0.9,
	}
}
