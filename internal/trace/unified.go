package trace

import (
	"context"

	"github.com/lorekeep/lorekeep/internal/memory"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// EvidenceSource hydrates citation titles for the replay view.
type EvidenceSource interface {
	GetByIDs(ctx context.Context, tenantID, siteID string, ids []string) ([]models.Evidence, error)
}

// Replayer builds the unified replay view over the ledger.
type Replayer struct {
	ledger   *Ledger
	evidence EvidenceSource
	sessions memory.Store
}

// NewReplayer wires the ledger with its optional join sources.
func NewReplayer(ledger *Ledger, evidence EvidenceSource, sessions memory.Store) *Replayer {
	return &Replayer{ledger: ledger, evidence: evidence, sessions: sessions}
}

const replaySessionMessages = 10

// Unified returns the trace joined with its LLM audit fields, hydrated
// citations, and a session summary. Join failures degrade to a sparser
// view rather than erroring; the ledger row itself is the contract.
func (r *Replayer) Unified(ctx context.Context, tenantID, siteID, traceID string) (models.UnifiedTrace, error) {
	record, err := r.ledger.Get(ctx, tenantID, siteID, traceID)
	if err != nil {
		return models.UnifiedTrace{}, err
	}

	unified := models.UnifiedTrace{Trace: record}

	// The persisted attempt record is authoritative; older traces predate
	// the llm_audits table, so synthesize from the ledger row when absent.
	if audits, err := r.ledger.LLMAudits(ctx, record.TraceID); err == nil && len(audits) > 0 {
		last := audits[len(audits)-1]
		unified.LLMAudit = &last
	} else if record.ModelProvider != "" {
		unified.LLMAudit = &models.LLMAudit{
			TraceID:      record.TraceID,
			Provider:     record.ModelProvider,
			Model:        record.ModelName,
			TokensInput:  record.TokensInput,
			TokensOutput: record.TokensOutput,
			LatencyMS:    record.LatencyMS,
			Status:       string(record.Status),
			Fallback:     record.PolicyReason == "llm_fallback",
		}
	}

	if r.evidence != nil && len(record.EvidenceIDs) > 0 {
		records, err := r.evidence.GetByIDs(ctx, tenantID, siteID, record.EvidenceIDs)
		if err == nil {
			for _, ev := range records {
				unified.Citations = append(unified.Citations, models.Citation{
					EvidenceID: ev.ID,
					Title:      ev.Title,
					SourceRef:  ev.SourceRef,
					Confidence: ev.Confidence,
				})
			}
		}
	}

	if r.sessions != nil && record.SessionID != "" {
		scope := memory.Scope{
			TenantID:  tenantID,
			SiteID:    siteID,
			SessionID: record.SessionID,
			NPCID:     record.NPCID,
		}
		if summary, err := r.sessions.SessionSummary(ctx, scope, replaySessionMessages); err == nil {
			unified.Session = &summary
		}
	}

	return unified, nil
}
