package models

import "time"

// RequestType distinguishes ledger rows by their origin.
type RequestType string

const (
	RequestTypeNPCChat  RequestType = "npc_chat"
	RequestTypeToolCall RequestType = "tool_call"
)

// TraceStatus is the terminal state of a trace.
type TraceStatus string

const (
	TraceStatusSuccess TraceStatus = "success"
	TraceStatusError   TraceStatus = "error"
)

// ToolCallAudit is one audited tool invocation inside a trace.
type ToolCallAudit struct {
	Name         string `json:"name"`
	Status       string `json:"status"`
	LatencyMS    int64  `json:"latency_ms"`
	RetryCount   int    `json:"retry_count,omitempty"`
	CacheHit     bool   `json:"cache_hit,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	PayloadHash  string `json:"payload_hash,omitempty"`
	Intent       string `json:"intent,omitempty"`
}

// LLMAudit records one generation attempt for replay and cost accounting.
// RequestHash covers the first 100 characters of the system and user text;
// secrets never enter the hash input.
type LLMAudit struct {
	TraceID      string `json:"trace_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	RequestHash  string `json:"request_hash"`
	TokensInput  int    `json:"tokens_input"`
	TokensOutput int    `json:"tokens_output"`
	LatencyMS    int64  `json:"latency_ms"`
	Status       string `json:"status"`
	Fallback     bool   `json:"fallback,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TraceRecord is the replayable record of one request. A partial row is
// appended on entry and updated with completion fields; history is immutable
// and writes are idempotent on TraceID.
type TraceRecord struct {
	TraceID   string      `json:"trace_id"`
	TenantID  string      `json:"tenant_id"`
	SiteID    string      `json:"site_id"`
	SessionID string      `json:"session_id,omitempty"`
	NPCID     string      `json:"npc_id,omitempty"`
	Type      RequestType `json:"request_type"`

	RequestInput   string          `json:"request_input,omitempty"`
	ToolCalls      []ToolCallAudit `json:"tool_calls,omitempty"`
	EvidenceIDs    []string        `json:"evidence_ids,omitempty"`
	PolicyMode     PolicyMode      `json:"policy_mode,omitempty"`
	PolicyReason   string          `json:"policy_reason,omitempty"`
	ResponseOutput string          `json:"response_output,omitempty"`

	PromptVersion  int          `json:"prompt_version,omitempty"`
	PromptSource   PromptSource `json:"prompt_source,omitempty"`
	PersonaVersion int          `json:"persona_version,omitempty"`

	ModelProvider string `json:"model_provider,omitempty"`
	ModelName     string `json:"model_name,omitempty"`
	TokensInput   int    `json:"tokens_input,omitempty"`
	TokensOutput  int    `json:"tokens_output,omitempty"`

	LatencyMS   int64       `json:"latency_ms,omitempty"`
	Status      TraceStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`

	ReleaseID         string         `json:"release_id,omitempty"`
	ExperimentID      string         `json:"experiment_id,omitempty"`
	ExperimentVariant string         `json:"experiment_variant,omitempty"`
	StrategySnapshot  map[string]any `json:"strategy_snapshot,omitempty"`
}

// TraceFilter selects ledger rows for listing and aggregation.
type TraceFilter struct {
	TenantID   string
	SiteID     string
	SessionID  string
	NPCID      string
	PolicyMode PolicyMode
	Status     TraceStatus
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// UnifiedTrace is the replay view: the ledger row joined with its LLM audit,
// citation titles, and an optional session summary.
type UnifiedTrace struct {
	Trace     TraceRecord     `json:"trace"`
	LLMAudit  *LLMAudit       `json:"llm_audit,omitempty"`
	Citations []Citation      `json:"citations,omitempty"`
	Session   *SessionSummary `json:"session,omitempty"`
}

// TraceMetrics aggregates ledger rows over a window for alert evaluation
// and the AB summary surface.
type TraceMetrics struct {
	Turns            int     `json:"turns"`
	SuccessRate      float64 `json:"success_rate"`
	FallbackRate     float64 `json:"fallback_rate"`
	ConservativeRate float64 `json:"conservative_rate"`
	RefuseRate       float64 `json:"refuse_rate"`
	CitationRate     float64 `json:"citation_rate"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	P95LatencyMS     float64 `json:"p95_latency_ms"`
	TokensInput      int64   `json:"tokens_input"`
	TokensOutput     int64   `json:"tokens_output"`
}
