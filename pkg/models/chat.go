// Package models defines the shared domain types for the grounded-conversation
// platform: personas, prompts, evidence, traces, session memory, and the
// control-plane records (policies, releases, experiments, alerts).
//
// All per-site entities are scoped by a (tenant_id, site_id) pair. Identifiers
// are opaque strings and timestamps are UTC instants.
package models

import "time"

// PolicyMode is the authorized outcome of a dialog turn.
type PolicyMode string

const (
	// PolicyModeNormal is a grounded answer with citations.
	PolicyModeNormal PolicyMode = "normal"

	// PolicyModeConservative is a non-committal answer without citations.
	PolicyModeConservative PolicyMode = "conservative"

	// PolicyModeRefuse is an explicit non-answer.
	PolicyModeRefuse PolicyMode = "refuse"
)

// Valid reports whether the mode is one of the three authorized outcomes.
func (m PolicyMode) Valid() bool {
	switch m {
	case PolicyModeNormal, PolicyModeConservative, PolicyModeRefuse:
		return true
	}
	return false
}

// ChatRequest is a single user turn submitted to the dialog runtime.
type ChatRequest struct {
	TenantID  string `json:"tenant_id"`
	SiteID    string `json:"site_id"`
	NPCID     string `json:"npc_id"`
	Query     string `json:"query"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Citation is a reference to an evidence record that grounds a response.
// Excerpt is truncated to at most 100 characters when built from evidence.
type Citation struct {
	EvidenceID string  `json:"evidence_id"`
	Title      string  `json:"title"`
	SourceRef  string  `json:"source_ref,omitempty"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ChatResponse is the outcome of one dialog turn.
//
// Citations are always empty when the policy mode is refuse, or when a
// conservative downgrade was forced by the evidence gate.
type ChatResponse struct {
	TraceID           string     `json:"trace_id"`
	SessionID         string     `json:"session_id"`
	PolicyMode        PolicyMode `json:"policy_mode"`
	AnswerText        string     `json:"answer_text"`
	Citations         []Citation `json:"citations"`
	FollowupQuestions []string   `json:"followup_questions"`
	NPCName           string     `json:"npc_name"`
	LatencyMS         int64      `json:"latency_ms"`
}

// SessionSummary is the fixed shape of a session overview used by the trace
// replay surface and the session endpoints.
type SessionSummary struct {
	SessionID      string          `json:"session_id"`
	MessageCount   int             `json:"message_count"`
	RecentMessages []MemoryMessage `json:"recent_messages"`
	FirstMessageAt time.Time       `json:"first_message_at,omitempty"`
	LastMessageAt  time.Time       `json:"last_message_at,omitempty"`
}
