// Package trace persists the replayable ledger: one row per request,
// written partially on entry and completed in place. Writes are idempotent
// on trace_id.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

const ledgerColumns = `trace_id, tenant_id, site_id, session_id, npc_id, request_type, status,
	request_input, response_output, policy_mode, policy_reason, evidence_ids, tool_calls,
	prompt_version, prompt_source, persona_version, model_provider, model_name,
	tokens_input, tokens_output, latency_ms, error, release_id, experiment_id,
	experiment_variant, strategy_snapshot, started_at, completed_at`

// Ledger is the Postgres trace store.
type Ledger struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewLedger wraps an open database handle.
func NewLedger(db *sql.DB, logger *observability.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Append upserts one record keyed on trace_id. Re-appending the same trace
// overwrites the mutable completion fields and leaves identity fields alone,
// so an entry write followed by a completion write lands as one row.
func (l *Ledger) Append(ctx context.Context, record models.TraceRecord) error {
	if record.TraceID == "" {
		return fmt.Errorf("trace id is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}

	evidenceIDs, _ := json.Marshal(orEmpty(record.EvidenceIDs))
	toolCalls, _ := json.Marshal(orEmptyAudits(record.ToolCalls))
	snapshot, _ := json.Marshal(orEmptyMap(record.StrategySnapshot))

	var completedAt any
	if !record.CompletedAt.IsZero() {
		completedAt = record.CompletedAt
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO trace_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
		ON CONFLICT (trace_id) DO UPDATE SET
			status = EXCLUDED.status,
			response_output = EXCLUDED.response_output,
			policy_mode = EXCLUDED.policy_mode,
			policy_reason = EXCLUDED.policy_reason,
			evidence_ids = EXCLUDED.evidence_ids,
			tool_calls = EXCLUDED.tool_calls,
			prompt_version = EXCLUDED.prompt_version,
			prompt_source = EXCLUDED.prompt_source,
			persona_version = EXCLUDED.persona_version,
			model_provider = EXCLUDED.model_provider,
			model_name = EXCLUDED.model_name,
			tokens_input = EXCLUDED.tokens_input,
			tokens_output = EXCLUDED.tokens_output,
			latency_ms = EXCLUDED.latency_ms,
			error = EXCLUDED.error,
			strategy_snapshot = EXCLUDED.strategy_snapshot,
			completed_at = EXCLUDED.completed_at`,
		record.TraceID, record.TenantID, record.SiteID, record.SessionID, record.NPCID,
		string(record.Type), string(record.Status), record.RequestInput, record.ResponseOutput,
		string(record.PolicyMode), record.PolicyReason, evidenceIDs, toolCalls,
		record.PromptVersion, string(record.PromptSource), record.PersonaVersion,
		record.ModelProvider, record.ModelName, record.TokensInput, record.TokensOutput,
		record.LatencyMS, record.Error, record.ReleaseID, record.ExperimentID,
		record.ExperimentVariant, snapshot, record.StartedAt, completedAt)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	return nil
}

// RecordLLMAudit persists one generation attempt outcome. It satisfies
// llm.AuditSink, which tolerates no error return; failures are logged and
// the turn proceeds.
func (l *Ledger) RecordLLMAudit(ctx context.Context, audit models.LLMAudit) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO llm_audits (trace_id, provider, model, request_hash,
			tokens_input, tokens_output, latency_ms, status, fallback,
			error_type, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		audit.TraceID, audit.Provider, audit.Model, audit.RequestHash,
		audit.TokensInput, audit.TokensOutput, audit.LatencyMS, audit.Status,
		audit.Fallback, audit.ErrorType, audit.ErrorMessage)
	if err != nil {
		l.logger.Warn(ctx, "llm audit write failed", "trace_id", audit.TraceID, "error", err)
	}
}

// LLMAudits returns the generation attempts recorded for one trace, oldest
// first.
func (l *Ledger) LLMAudits(ctx context.Context, traceID string) ([]models.LLMAudit, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT trace_id, provider, model, request_hash, tokens_input,
			tokens_output, latency_ms, status, fallback, error_type, error_message
		FROM llm_audits WHERE trace_id = $1 ORDER BY created_at, id`, traceID)
	if err != nil {
		return nil, fmt.Errorf("list llm audits: %w", err)
	}
	defer rows.Close()

	out := []models.LLMAudit{}
	for rows.Next() {
		var a models.LLMAudit
		if err := rows.Scan(&a.TraceID, &a.Provider, &a.Model, &a.RequestHash,
			&a.TokensInput, &a.TokensOutput, &a.LatencyMS, &a.Status,
			&a.Fallback, &a.ErrorType, &a.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan llm audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns one record by trace id.
func (l *Ledger) Get(ctx context.Context, tenantID, siteID, traceID string) (models.TraceRecord, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+` FROM trace_ledger
		WHERE tenant_id = $1 AND site_id = $2 AND trace_id = $3`,
		tenantID, siteID, traceID)
	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return models.TraceRecord{}, fmt.Errorf("trace %s not found", traceID)
	}
	return record, err
}

// List returns records matching the filter, newest first.
func (l *Ledger) List(ctx context.Context, filter models.TraceFilter) ([]models.TraceRecord, error) {
	where, args := filterClauses(filter)
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + ledgerColumns + ` FROM trace_ledger WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY started_at DESC LIMIT %d OFFSET %d", limit, max(filter.Offset, 0))
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	out := []models.TraceRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Metrics aggregates chat turns matching the filter.
func (l *Ledger) Metrics(ctx context.Context, filter models.TraceFilter) (models.TraceMetrics, error) {
	where, args := filterClauses(filter)
	where = append(where, "request_type = 'npc_chat'")

	query := `
		SELECT
			COUNT(*),
			COALESCE(AVG(CASE WHEN status = 'success' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN policy_reason = 'llm_fallback' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN policy_mode = 'conservative' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN policy_mode = 'refuse' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN jsonb_array_length(evidence_ids) > 0 THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY latency_ms), 0),
			COALESCE(SUM(tokens_input), 0),
			COALESCE(SUM(tokens_output), 0)
		FROM trace_ledger WHERE ` + strings.Join(where, " AND ")

	var m models.TraceMetrics
	err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&m.Turns, &m.SuccessRate, &m.FallbackRate, &m.ConservativeRate, &m.RefuseRate,
		&m.CitationRate, &m.AvgLatencyMS, &m.P95LatencyMS, &m.TokensInput, &m.TokensOutput)
	if err != nil {
		return models.TraceMetrics{}, fmt.Errorf("aggregate traces: %w", err)
	}
	return m, nil
}

// MetricsByVariant aggregates chat turns per experiment variant.
func (l *Ledger) MetricsByVariant(ctx context.Context, tenantID, siteID, experimentID string, since time.Time) (map[string]models.TraceMetrics, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT
			experiment_variant,
			COUNT(*),
			COALESCE(AVG(CASE WHEN status = 'success' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN policy_mode = 'conservative' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN policy_mode = 'refuse' THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(CASE WHEN jsonb_array_length(evidence_ids) > 0 THEN 1.0 ELSE 0.0 END), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(SUM(tokens_input), 0),
			COALESCE(SUM(tokens_output), 0)
		FROM trace_ledger
		WHERE tenant_id = $1 AND site_id = $2 AND experiment_id = $3
			AND request_type = 'npc_chat' AND started_at >= $4
		GROUP BY experiment_variant`,
		tenantID, siteID, experimentID, since)
	if err != nil {
		return nil, fmt.Errorf("aggregate variants: %w", err)
	}
	defer rows.Close()

	out := map[string]models.TraceMetrics{}
	for rows.Next() {
		var variant string
		var m models.TraceMetrics
		if err := rows.Scan(&variant, &m.Turns, &m.SuccessRate, &m.ConservativeRate,
			&m.RefuseRate, &m.CitationRate, &m.AvgLatencyMS, &m.TokensInput, &m.TokensOutput); err != nil {
			return nil, fmt.Errorf("scan variant metrics: %w", err)
		}
		out[variant] = m
	}
	return out, rows.Err()
}

// SiteRef names one (tenant, site) scope seen in the ledger.
type SiteRef struct {
	TenantID string
	SiteID   string
}

// ActiveSites lists scopes with chat traffic since the cutoff, ordered for
// stable round-robin iteration.
func (l *Ledger) ActiveSites(ctx context.Context, since time.Time) ([]SiteRef, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id, site_id FROM trace_ledger
		WHERE request_type = 'npc_chat' AND started_at >= $1
		ORDER BY tenant_id, site_id`, since)
	if err != nil {
		return nil, fmt.Errorf("list active sites: %w", err)
	}
	defer rows.Close()

	out := []SiteRef{}
	for rows.Next() {
		var ref SiteRef
		if err := rows.Scan(&ref.TenantID, &ref.SiteID); err != nil {
			return nil, fmt.Errorf("scan site ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func filterClauses(filter models.TraceFilter) ([]string, []any) {
	where := []string{"tenant_id = $1", "site_id = $2"}
	args := []any{filter.TenantID, filter.SiteID}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.NPCID != "" {
		add("npc_id = $%d", filter.NPCID)
	}
	if filter.PolicyMode != "" {
		add("policy_mode = $%d", string(filter.PolicyMode))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.Since.IsZero() {
		add("started_at >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("started_at < $%d", filter.Until)
	}
	return where, args
}

func scanRecord(row interface{ Scan(...any) error }) (models.TraceRecord, error) {
	var r models.TraceRecord
	var requestType, status, policyMode, promptSource string
	var evidenceIDs, toolCalls, snapshot []byte
	var completedAt sql.NullTime

	err := row.Scan(&r.TraceID, &r.TenantID, &r.SiteID, &r.SessionID, &r.NPCID,
		&requestType, &status, &r.RequestInput, &r.ResponseOutput, &policyMode,
		&r.PolicyReason, &evidenceIDs, &toolCalls, &r.PromptVersion, &promptSource,
		&r.PersonaVersion, &r.ModelProvider, &r.ModelName, &r.TokensInput,
		&r.TokensOutput, &r.LatencyMS, &r.Error, &r.ReleaseID, &r.ExperimentID,
		&r.ExperimentVariant, &snapshot, &r.StartedAt, &completedAt)
	if err != nil {
		return models.TraceRecord{}, err
	}

	r.Type = models.RequestType(requestType)
	r.Status = models.TraceStatus(status)
	r.PolicyMode = models.PolicyMode(policyMode)
	r.PromptSource = models.PromptSource(promptSource)
	if completedAt.Valid {
		r.CompletedAt = completedAt.Time
	}
	_ = json.Unmarshal(evidenceIDs, &r.EvidenceIDs)
	_ = json.Unmarshal(toolCalls, &r.ToolCalls)
	_ = json.Unmarshal(snapshot, &r.StrategySnapshot)
	return r, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyAudits(a []models.ToolCallAudit) []models.ToolCallAudit {
	if a == nil {
		return []models.ToolCallAudit{}
	}
	return a
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
