package tool

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lorekeep/lorekeep/pkg/models"
)

func TestNPCProfileActive(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	profileJSON := `{"display_name": "Old Gatekeeper", "persona": {"identity": "You guard the gate."}, "must_cite": true}`
	mock.ExpectQuery(`SELECT version, active, profile, created_at FROM npc_profiles`).
		WithArgs("t1", "s1", "gatekeeper").
		WillReturnRows(sqlmock.NewRows([]string{"version", "active", "profile", "created_at"}).
			AddRow(3, true, []byte(profileJSON), time.Now()))

	store := NewRegistryStore(db)
	profile, err := store.NPCProfile(context.Background(), "t1", "s1", "gatekeeper", 0)
	if err != nil {
		t.Fatalf("NPCProfile: %v", err)
	}
	if profile.DisplayName != "Old Gatekeeper" || profile.Version != 3 || !profile.Active {
		t.Errorf("profile = %+v", profile)
	}
	if !profile.MustCite {
		t.Error("must_cite not decoded")
	}
	if profile.TenantID != "t1" || profile.NPCID != "gatekeeper" {
		t.Errorf("scope not stamped: %+v", profile)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestNPCProfileMissing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT version, active, profile, created_at FROM npc_profiles`).
		WillReturnRows(sqlmock.NewRows([]string{"version", "active", "profile", "created_at"}))

	store := NewRegistryStore(db)
	if _, err := store.NPCProfile(context.Background(), "t1", "s1", "ghost", 0); err == nil {
		t.Error("missing profile did not error")
	}
}

func TestActivePromptDecodesPolicy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	policyJSON := `{"require_citations": true, "conservative_template": "I would rather not guess."}`
	mock.ExpectQuery(`SELECT version, prompt_text, policy, created_at FROM npc_prompts`).
		WithArgs("t1", "s1", "gatekeeper", "system").
		WillReturnRows(sqlmock.NewRows([]string{"version", "prompt_text", "policy", "created_at"}).
			AddRow(2, "You are the gatekeeper.", []byte(policyJSON), time.Now()))

	store := NewRegistryStore(db)
	prompt, err := store.ActivePrompt(context.Background(), "t1", "s1", "gatekeeper", models.PromptTypeSystem)
	if err != nil {
		t.Fatalf("ActivePrompt: %v", err)
	}
	if prompt.Text != "You are the gatekeeper." || prompt.Version != 2 {
		t.Errorf("prompt = %+v", prompt)
	}
	if !prompt.Policy.RequireCitations || prompt.Policy.ConservativeTemplate == "" {
		t.Errorf("policy = %+v", prompt.Policy)
	}
}

func TestCreateDraftContentForcesDraft(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO contents`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewRegistryStore(db)
	created, err := store.CreateDraftContent(context.Background(), models.Content{
		TenantID:    "t1",
		SiteID:      "s1",
		ContentType: "article",
		Title:       "The Bell Tower",
		Body:        "A short history.",
		Status:      "published",
	})
	if err != nil {
		t.Fatalf("CreateDraftContent: %v", err)
	}
	if created.Status != "draft" {
		t.Errorf("Status = %q, want draft", created.Status)
	}
	if created.ID == "" {
		t.Error("id not assigned")
	}
}

func TestFeedbackCategoryRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`INSERT INTO user_feedbacks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, trace_id, category, comment, status, created_at`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "trace_id", "category", "comment", "status", "created_at"}).
			AddRow("fb-1", "tr-1", "inaccuracy/high", "wrong dynasty", "pending", time.Now()))

	store := NewRegistryStore(db)
	fb, err := store.SubmitFeedback(context.Background(), models.Feedback{
		TenantID:     "t1",
		SiteID:       "s1",
		TraceID:      "tr-1",
		FeedbackType: "inaccuracy",
		Severity:     "high",
		Content:      "wrong dynasty",
	})
	if err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}
	if fb.Status != "pending" || fb.ID == "" {
		t.Errorf("feedback = %+v", fb)
	}

	items, err := store.ListFeedback(context.Background(), "t1", "s1", "", "", "", 10)
	if err != nil {
		t.Fatalf("ListFeedback: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items", len(items))
	}
	if items[0].FeedbackType != "inaccuracy" || items[0].Severity != "high" {
		t.Errorf("category not split: %+v", items[0])
	}
}

func TestSiteMapAssembly(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "content_type", "title", "summary", "tags", "domains"}).
		AddRow("p1", "poi", "Main Gate", "The entrance.", []byte(`["entrance"]`), []byte(`[]`)).
		AddRow("p2", "poi", "Bell Tower", "", []byte(`[]`), []byte(`[]`)).
		AddRow("r1", "route", "Grand Tour", "Two hours.", []byte(`[]`), []byte(`["p1", "p2"]`))
	mock.ExpectQuery(`SELECT id, content_type, title, summary, tags, domains`).
		WithArgs("t1", "s1").
		WillReturnRows(rows)

	store := NewRegistryStore(db)
	siteMap, err := store.SiteMap(context.Background(), "t1", "s1")
	if err != nil {
		t.Fatalf("SiteMap: %v", err)
	}
	if len(siteMap.POIs) != 2 || len(siteMap.Routes) != 1 {
		t.Fatalf("site map = %+v", siteMap)
	}
	if siteMap.POIs[0].Name != "Main Gate" || siteMap.POIs[0].Tags[0] != "entrance" {
		t.Errorf("poi = %+v", siteMap.POIs[0])
	}
	if len(siteMap.Routes[0].POIIDs) != 2 {
		t.Errorf("route = %+v", siteMap.Routes[0])
	}
}

func TestSplitCategory(t *testing.T) {
	tests := []struct {
		in           string
		feedbackType string
		severity     string
	}{
		{"inaccuracy/high", "inaccuracy", "high"},
		{"praise/", "praise", ""},
		{"legacy", "legacy", ""},
	}
	for _, tt := range tests {
		ft, sev := splitCategory(tt.in)
		if ft != tt.feedbackType || sev != tt.severity {
			t.Errorf("splitCategory(%q) = %q, %q", tt.in, ft, sev)
		}
	}
}
