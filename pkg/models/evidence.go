package models

import "time"

// Evidence is the citable unit of the grounding corpus.
//
// Records are immutable after creation: corrections produce a new record
// carrying Supersedes, and deletion is a soft mark.
type Evidence struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	SiteID     string    `json:"site_id"`
	Title      string    `json:"title"`
	Excerpt    string    `json:"excerpt"`
	SourceType string    `json:"source_type,omitempty"`
	SourceRef  string    `json:"source_ref,omitempty"`
	Confidence float64   `json:"confidence"`
	Verified   bool      `json:"verified"`
	Tags       []string  `json:"tags,omitempty"`
	Domains    []string  `json:"domains,omitempty"`
	Supersedes string    `json:"supersedes,omitempty"`
	Deleted    bool      `json:"deleted,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RetrievalStrategy selects how evidence is searched.
type RetrievalStrategy string

const (
	// StrategyTRGM uses trigram similarity over title and excerpt.
	StrategyTRGM RetrievalStrategy = "trgm"

	// StrategyQdrant uses vector similarity in the qdrant collection.
	StrategyQdrant RetrievalStrategy = "qdrant"

	// StrategyHybrid fans out to both and fuses scores.
	StrategyHybrid RetrievalStrategy = "hybrid"

	// StrategyLike is the legacy substring fallback.
	StrategyLike RetrievalStrategy = "like"
)

// StrategyTRGMFallback labels a result served by trigram search because the
// vector side of retrieval was unavailable. It is a reported label, not a
// selectable strategy.
const StrategyTRGMFallback = "trgm_fallback"

// EvidenceHit is one scored retrieval result.
type EvidenceHit struct {
	Evidence Evidence `json:"evidence"`
	Score    float64  `json:"score"`
}

// ScoreDistribution summarizes the hit scores of one retrieval.
type ScoreDistribution struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// RetrievalResult is the never-failing output of the retriever. On any
// failure path Hits is empty, StrategyUsed names the fallback taken, and
// FallbackReason says why.
type RetrievalResult struct {
	Hits           []EvidenceHit     `json:"hits"`
	StrategyUsed   string            `json:"strategy_used"`
	FallbackReason string            `json:"fallback_reason,omitempty"`
	Scores         ScoreDistribution `json:"scores"`
}

// Content is a draft or published editorial item, distinct from evidence.
type Content struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	SiteID      string    `json:"site_id"`
	ContentType string    `json:"content_type"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Summary     string    `json:"summary,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Domains     []string  `json:"domains,omitempty"`
	Source      string    `json:"source,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Feedback is a user- or operator-submitted report tied to a trace.
type Feedback struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	SiteID       string    `json:"site_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	FeedbackType string    `json:"feedback_type"`
	Severity     string    `json:"severity"`
	Content      string    `json:"content"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserEvent is an append-only analytic event logged through the tool surface.
type UserEvent struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SiteID    string         `json:"site_id"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
