package controlplane

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func newMock(t *testing.T) (sqlmock.Sqlmock, *observability.Logger, func(), *PolicyStore, *ReleaseStore, *ExperimentStore) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	logger := testLogger()
	return mock, logger, func() { db.Close() },
		NewPolicyStore(db, nil, nil, logger),
		NewReleaseStore(db, nil, nil, logger),
		NewExperimentStore(db, nil, logger)
}

func TestPolicyActiveSeedsOnFirstRead(t *testing.T) {
	mock, _, done, policies, _, _ := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT version, active, content, created_at FROM policy_versions`).
		WithArgs("t1", "s1", "evidence_gate").
		WillReturnRows(sqlmock.NewRows([]string{"version", "active", "content", "created_at"}))
	mock.ExpectExec(`INSERT INTO policy_versions`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	pv, err := policies.Active(context.Background(), "t1", "s1", "evidence_gate")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if pv.Version != SeedVersion || !pv.Active {
		t.Errorf("seeded policy = %+v", pv)
	}
	if pv.Content["min_citations_for_fact"] != float64(1) {
		t.Errorf("seed content = %v", pv.Content)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestPolicyActiveUnknownSeed(t *testing.T) {
	mock, _, done, policies, _, _ := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT version, active, content, created_at FROM policy_versions`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "active", "content", "created_at"}))

	if _, err := policies.Active(context.Background(), "t1", "s1", "no_such_policy"); err == nil {
		t.Error("missing policy with no seed did not error")
	}
}

func TestPolicyActiveCached(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	l1 := cache.NewMemoryCache(0)
	defer l1.Close()
	policies := NewPolicyStore(db, l1, nil, testLogger())

	mock.ExpectQuery(`SELECT version, active, content, created_at FROM policy_versions`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "active", "content", "created_at"}).
			AddRow("v2", true, []byte(`{"min_citations_for_fact": 2}`), time.Now()))

	for i := 0; i < 3; i++ {
		pv, err := policies.Active(context.Background(), "t1", "s1", "evidence_gate")
		if err != nil {
			t.Fatalf("Active #%d: %v", i, err)
		}
		if pv.Version != "v2" {
			t.Errorf("Version = %s", pv.Version)
		}
	}
	// One query served three reads.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestSetActiveVersionAtomic(t *testing.T) {
	mock, _, done, policies, _, _ := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE policy_versions SET active = FALSE`).
		WithArgs("t1", "s1", "evidence_gate").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE policy_versions SET active = TRUE`).
		WithArgs("t1", "s1", "evidence_gate", "v3").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := policies.SetActiveVersion(context.Background(), "t1", "s1", "evidence_gate", "v3"); err != nil {
		t.Fatalf("SetActiveVersion: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestSetActiveVersionMissingTarget(t *testing.T) {
	mock, _, done, policies, _, _ := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE policy_versions SET active = FALSE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE policy_versions SET active = TRUE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := policies.SetActiveVersion(context.Background(), "t1", "s1", "evidence_gate", "ghost"); err == nil {
		t.Error("missing target version did not error")
	}
}

func TestReleaseActivateArchivesPrevious(t *testing.T) {
	mock, _, done, _, releases, _ := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM releases`).
		WithArgs("t1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rel-old"))
	mock.ExpectExec(`UPDATE releases SET status = 'archived'`).
		WithArgs("rel-old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE releases SET status = 'active'`).
		WithArgs("t1", "s1", "rel-new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO release_history`).
		WithArgs("t1", "s1", "rel-new", ActionActivate, "ops", "rel-old").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := releases.Activate(context.Background(), "t1", "s1", "rel-new", "ops"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestReleaseActivateAlreadyActive(t *testing.T) {
	mock, _, done, _, releases, _ := newMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM releases`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rel-1"))
	mock.ExpectRollback()

	if err := releases.Activate(context.Background(), "t1", "s1", "rel-1", "ops"); err == nil {
		t.Error("re-activating the active release did not error")
	}
}

func TestExperimentCreateValidatesWeights(t *testing.T) {
	_, _, done, _, _, experiments := newMock(t)
	defer done()

	_, err := experiments.Create(context.Background(), models.Experiment{
		TenantID: "t1",
		SiteID:   "s1",
		Name:     "gate-thresholds",
		Variants: []models.Variant{{Name: "a", Weight: 50}, {Name: "b", Weight: 40}},
	})
	if err == nil {
		t.Error("weights summing to 90 accepted")
	}

	_, err = experiments.Create(context.Background(), models.Experiment{
		Variants: []models.Variant{{Name: "only", Weight: 100}},
	})
	if err == nil {
		t.Error("single-variant experiment accepted")
	}
}

func TestAssignSticky(t *testing.T) {
	mock, _, done, _, _, experiments := newMock(t)
	defer done()

	mock.ExpectQuery(`SELECT variant, bucket, assigned_at FROM experiment_assignments`).
		WithArgs("exp-1", "sess-9").
		WillReturnRows(sqlmock.NewRows([]string{"variant", "bucket", "assigned_at"}).
			AddRow("control", 17, time.Now()))

	a, err := experiments.Assign(context.Background(), "t1", "s1", "exp-1", "sess-9")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if a.Variant != "control" || a.Bucket != 17 {
		t.Errorf("assignment = %+v", a)
	}
}

func TestAssignLoserReadsWinner(t *testing.T) {
	mock, _, done, _, _, experiments := newMock(t)
	defer done()

	variants := `[{"name": "control", "weight": 50}, {"name": "treatment", "weight": 50}]`
	mock.ExpectQuery(`SELECT variant, bucket, assigned_at FROM experiment_assignments`).
		WillReturnRows(sqlmock.NewRows([]string{"variant", "bucket", "assigned_at"}))
	mock.ExpectQuery(`SELECT id, name, status, variants, created_at FROM experiments`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "status", "variants", "created_at"}).
			AddRow("exp-1", "gate", "active", []byte(variants), time.Now()))
	// The concurrent winner already inserted; zero rows affected.
	mock.ExpectExec(`INSERT INTO experiment_assignments`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT variant, bucket, assigned_at FROM experiment_assignments`).
		WillReturnRows(sqlmock.NewRows([]string{"variant", "bucket", "assigned_at"}).
			AddRow("treatment", 63, time.Now()))

	a, err := experiments.Assign(context.Background(), "t1", "s1", "exp-1", "sess-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if a.Variant != "treatment" {
		t.Errorf("Variant = %s, want the winner's", a.Variant)
	}
}

func TestBucketDeterministic(t *testing.T) {
	a := Bucket("exp-1", "sess-42")
	for i := 0; i < 5; i++ {
		if Bucket("exp-1", "sess-42") != a {
			t.Fatal("bucket not stable")
		}
	}
	if a < 0 || a >= 100 {
		t.Errorf("bucket = %d, want [0, 100)", a)
	}
	if Bucket("exp-2", "sess-42") == a && Bucket("exp-3", "sess-42") == a {
		t.Error("bucket ignores experiment id")
	}
}

func TestPickVariantWeightOrder(t *testing.T) {
	variants := []models.Variant{
		{Name: "small", Weight: 10},
		{Name: "big", Weight: 90},
	}
	// Descending weight order puts big at [0, 90), small at [90, 100).
	if got := PickVariant(variants, 0); got != "big" {
		t.Errorf("bucket 0 = %s", got)
	}
	if got := PickVariant(variants, 89); got != "big" {
		t.Errorf("bucket 89 = %s", got)
	}
	if got := PickVariant(variants, 90); got != "small" {
		t.Errorf("bucket 90 = %s", got)
	}
	if got := PickVariant(variants, 99); got != "small" {
		t.Errorf("bucket 99 = %s", got)
	}
	if got := PickVariant(nil, 50); got != "" {
		t.Errorf("empty variants = %q", got)
	}
}
