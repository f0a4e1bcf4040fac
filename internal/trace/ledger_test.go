package trace

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lorekeep/lorekeep/internal/memory"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func newLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return NewLedger(db, testLogger()), mock, func() { db.Close() }
}

func ledgerRow(record models.TraceRecord) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"trace_id", "tenant_id", "site_id", "session_id", "npc_id", "request_type", "status",
		"request_input", "response_output", "policy_mode", "policy_reason", "evidence_ids", "tool_calls",
		"prompt_version", "prompt_source", "persona_version", "model_provider", "model_name",
		"tokens_input", "tokens_output", "latency_ms", "error", "release_id", "experiment_id",
		"experiment_variant", "strategy_snapshot", "started_at", "completed_at",
	}).AddRow(
		record.TraceID, record.TenantID, record.SiteID, record.SessionID, record.NPCID,
		string(record.Type), string(record.Status), record.RequestInput, record.ResponseOutput,
		string(record.PolicyMode), record.PolicyReason, []byte(`["e1"]`), []byte(`[{"name": "retrieve_evidence", "status": "success"}]`),
		record.PromptVersion, string(record.PromptSource), record.PersonaVersion,
		record.ModelProvider, record.ModelName, record.TokensInput, record.TokensOutput,
		record.LatencyMS, record.Error, record.ReleaseID, record.ExperimentID,
		record.ExperimentVariant, []byte(`{}`), record.StartedAt, record.CompletedAt,
	)
}

func chatRecord() models.TraceRecord {
	return models.TraceRecord{
		TraceID:        "tr-1",
		TenantID:       "t1",
		SiteID:         "s1",
		SessionID:      "sess-1",
		NPCID:          "gatekeeper",
		Type:           models.RequestTypeNPCChat,
		Status:         models.TraceStatusSuccess,
		RequestInput:   "when was it built",
		ResponseOutput: "According to the records, long ago.",
		PolicyMode:     models.PolicyModeNormal,
		EvidenceIDs:    []string{"e1"},
		ModelProvider:  "anthropic",
		ModelName:      "claude-3-5-haiku-latest",
		TokensInput:    120,
		TokensOutput:   60,
		LatencyMS:      900,
		StartedAt:      time.Now().Add(-time.Second),
		CompletedAt:    time.Now(),
	}
}

func TestAppendUpserts(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectExec(`INSERT INTO trace_ledger .* ON CONFLICT \(trace_id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := ledger.Append(context.Background(), chatRecord()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestAppendRequiresTraceID(t *testing.T) {
	ledger, _, done := newLedger(t)
	defer done()

	if err := ledger.Append(context.Background(), models.TraceRecord{}); err == nil {
		t.Error("record without trace id accepted")
	}
}

func TestGetDecodesJSONFields(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectQuery(`SELECT .* FROM trace_ledger`).
		WithArgs("t1", "s1", "tr-1").
		WillReturnRows(ledgerRow(chatRecord()))

	record, err := ledger.Get(context.Background(), "t1", "s1", "tr-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(record.EvidenceIDs) != 1 || record.EvidenceIDs[0] != "e1" {
		t.Errorf("EvidenceIDs = %v", record.EvidenceIDs)
	}
	if len(record.ToolCalls) != 1 || record.ToolCalls[0].Name != "retrieve_evidence" {
		t.Errorf("ToolCalls = %v", record.ToolCalls)
	}
	if record.PolicyMode != models.PolicyModeNormal {
		t.Errorf("PolicyMode = %s", record.PolicyMode)
	}
}

func TestGetMissing(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectQuery(`SELECT .* FROM trace_ledger`).
		WillReturnRows(ledgerRow(chatRecord()).RowError(0, nil))
	mock.ExpectQuery(`SELECT .* FROM trace_ledger`).
		WillReturnRows(sqlmock.NewRows([]string{"trace_id"}))

	if _, err := ledger.Get(context.Background(), "t1", "s1", "tr-1"); err != nil {
		t.Fatalf("Get existing: %v", err)
	}
	if _, err := ledger.Get(context.Background(), "t1", "s1", "ghost"); err == nil {
		t.Error("missing trace did not error")
	}
}

func TestListAppliesFilter(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectQuery(`SELECT .* FROM trace_ledger WHERE tenant_id = \$1 AND site_id = \$2 AND npc_id = \$3 AND status = \$4`).
		WithArgs("t1", "s1", "gatekeeper", "error").
		WillReturnRows(ledgerRow(chatRecord()))

	records, err := ledger.List(context.Background(), models.TraceFilter{
		TenantID: "t1",
		SiteID:   "s1",
		NPCID:    "gatekeeper",
		Status:   models.TraceStatusError,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("got %d records", len(records))
	}
}

func TestMetricsScan(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectQuery(`SELECT`).
		WithArgs("t1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{
			"count", "success", "fallback", "conservative", "refuse", "citation", "avg", "p95", "tin", "tout",
		}).AddRow(40, 0.95, 0.05, 0.2, 0.02, 0.8, 850.0, 2100.0, 4800, 2400))

	m, err := ledger.Metrics(context.Background(), models.TraceFilter{TenantID: "t1", SiteID: "s1"})
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Turns != 40 || m.SuccessRate != 0.95 || m.P95LatencyMS != 2100 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRecordLLMAuditInserts(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectExec(`INSERT INTO llm_audits`).
		WithArgs("tr-1", "anthropic", "claude-3-5-haiku-latest", "ab12cd34",
			120, 60, int64(850), "success", false, "", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ledger.RecordLLMAudit(context.Background(), models.LLMAudit{
		TraceID:      "tr-1",
		Provider:     "anthropic",
		Model:        "claude-3-5-haiku-latest",
		RequestHash:  "ab12cd34",
		TokensInput:  120,
		TokensOutput: 60,
		LatencyMS:    850,
		Status:       "success",
	})
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestRecordLLMAuditSwallowsWriteFailure(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectExec(`INSERT INTO llm_audits`).
		WillReturnError(context.DeadlineExceeded)

	ledger.RecordLLMAudit(context.Background(), models.LLMAudit{
		TraceID:  "tr-2",
		Provider: "anthropic",
		Model:    "claude-3-5-haiku-latest",
		Status:   "error",
	})
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

type fakeEvidenceSource struct{}

func (fakeEvidenceSource) GetByIDs(ctx context.Context, tenantID, siteID string, ids []string) ([]models.Evidence, error) {
	out := make([]models.Evidence, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Evidence{ID: id, TenantID: tenantID, SiteID: siteID, Title: "Bell Tower", Confidence: 0.9})
	}
	return out, nil
}

func TestUnifiedJoins(t *testing.T) {
	ledger, mock, done := newLedger(t)
	defer done()

	mock.ExpectQuery(`SELECT .* FROM trace_ledger`).
		WillReturnRows(ledgerRow(chatRecord()))
	mock.ExpectQuery(`SELECT .* FROM llm_audits`).
		WithArgs("tr-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"trace_id", "provider", "model", "request_hash", "tokens_input",
			"tokens_output", "latency_ms", "status", "fallback", "error_type", "error_message",
		}).AddRow("tr-1", "anthropic", "claude-3-5-haiku-latest", "ab12cd34", 120, 60, 850, "success", false, "", ""))

	sessions := memory.NewLocalStore()
	scope := memory.Scope{TenantID: "t1", SiteID: "s1", SessionID: "sess-1", NPCID: "gatekeeper"}
	if err := sessions.AppendMessage(context.Background(), scope, models.MemoryMessage{Role: "user", Content: "when was it built"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	replayer := NewReplayer(ledger, fakeEvidenceSource{}, sessions)
	unified, err := replayer.Unified(context.Background(), "t1", "s1", "tr-1")
	if err != nil {
		t.Fatalf("Unified: %v", err)
	}
	if unified.LLMAudit == nil || unified.LLMAudit.Provider != "anthropic" {
		t.Errorf("LLMAudit = %+v", unified.LLMAudit)
	}
	if unified.LLMAudit != nil && unified.LLMAudit.RequestHash != "ab12cd34" {
		t.Errorf("RequestHash = %q, want the persisted attempt record", unified.LLMAudit.RequestHash)
	}
	if len(unified.Citations) != 1 || unified.Citations[0].Title != "Bell Tower" {
		t.Errorf("Citations = %+v", unified.Citations)
	}
	if unified.Session == nil || unified.Session.MessageCount != 1 {
		t.Errorf("Session = %+v", unified.Session)
	}
}
