// Package evidence implements the tenant-scoped grounding corpus and its
// retrieval strategies: trigram similarity, vector search, a hybrid fusion
// of both, and a legacy substring fallback.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// PostgresStore persists evidence rows and runs the text search strategies.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const evidenceColumns = `id, tenant_id, site_id, title, excerpt, source_type, source_ref,
	confidence, verified, tags, domains, supersedes, deleted, created_at`

// Insert stores a new evidence record. Records are immutable: corrections
// insert a new row with Supersedes set.
func (s *PostgresStore) Insert(ctx context.Context, ev models.Evidence) (models.Evidence, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(orEmpty(ev.Tags))
	if err != nil {
		return models.Evidence{}, fmt.Errorf("marshal tags: %w", err)
	}
	domains, err := json.Marshal(orEmpty(ev.Domains))
	if err != nil {
		return models.Evidence{}, fmt.Errorf("marshal domains: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evidences (id, tenant_id, site_id, title, excerpt, source_type, source_ref,
			confidence, verified, tags, domains, supersedes, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, $13)`,
		ev.ID, ev.TenantID, ev.SiteID, ev.Title, ev.Excerpt, ev.SourceType, ev.SourceRef,
		ev.Confidence, ev.Verified, tags, domains, ev.Supersedes, ev.CreatedAt,
	)
	if err != nil {
		return models.Evidence{}, fmt.Errorf("insert evidence: %w", err)
	}
	return ev, nil
}

// Get returns one record by id within the scope.
func (s *PostgresStore) Get(ctx context.Context, tenantID, siteID, id string) (models.Evidence, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidences
		WHERE id = $1 AND tenant_id = $2 AND site_id = $3 AND NOT deleted`,
		id, tenantID, siteID,
	)
	ev, err := scanEvidence(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return models.Evidence{}, fmt.Errorf("evidence %s not found", id)
		}
		return models.Evidence{}, fmt.Errorf("get evidence: %w", err)
	}
	return ev, nil
}

// GetByIDs returns the non-deleted records for the given ids within the
// scope, in no particular order.
func (s *PostgresStore) GetByIDs(ctx context.Context, tenantID, siteID string, ids []string) ([]models.Evidence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("marshal ids: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+`
		FROM evidences
		WHERE tenant_id = $1 AND site_id = $2 AND NOT deleted
			AND id IN (SELECT jsonb_array_elements_text($3::jsonb))`,
		tenantID, siteID, idsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("get evidences: %w", err)
	}
	defer rows.Close()

	out := []models.Evidence{}
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get evidences: %w", err)
	}
	return out, nil
}

// SoftDelete marks a record deleted without removing the row.
func (s *PostgresStore) SoftDelete(ctx context.Context, tenantID, siteID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidences SET deleted = TRUE
		WHERE id = $1 AND tenant_id = $2 AND site_id = $3`,
		id, tenantID, siteID,
	)
	if err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("evidence %s not found", id)
	}
	return nil
}

// SearchTRGM runs trigram similarity over title and excerpt, combined by
// greatest, filtered by minScore, ordered by similarity then confidence.
func (s *PostgresStore) SearchTRGM(ctx context.Context, tenantID, siteID, query string, domains []string, limit int, minScore float64) ([]models.EvidenceHit, error) {
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := `
		SELECT ` + evidenceColumns + `,
			GREATEST(similarity(title, $1), similarity(excerpt, $1)) AS score
		FROM evidences
		WHERE tenant_id = $2 AND site_id = $3 AND NOT deleted
			AND GREATEST(similarity(title, $1), similarity(excerpt, $1)) >= $4`
	args := []any{query, tenantID, siteID, minScore}

	if len(domains) > 0 {
		domainsJSON, err := json.Marshal(domains)
		if err != nil {
			return nil, fmt.Errorf("marshal domains: %w", err)
		}
		sqlQuery += ` AND domains ?| ARRAY(SELECT jsonb_array_elements_text($5::jsonb))`
		args = append(args, domainsJSON)
	}

	sqlQuery += fmt.Sprintf(` ORDER BY score DESC, confidence DESC LIMIT %d`, limit)

	return s.queryHits(ctx, sqlQuery, args...)
}

// SearchLike is the legacy substring fallback. Hits score a flat 0.5.
func (s *PostgresStore) SearchLike(ctx context.Context, tenantID, siteID, query string, limit int) ([]models.EvidenceHit, error) {
	if limit <= 0 {
		limit = 10
	}
	sqlQuery := `
		SELECT ` + evidenceColumns + `, 0.5 AS score
		FROM evidences
		WHERE tenant_id = $1 AND site_id = $2 AND NOT deleted
			AND (title ILIKE '%' || $3 || '%' OR excerpt ILIKE '%' || $3 || '%')
		ORDER BY confidence DESC
		LIMIT ` + fmt.Sprintf("%d", limit)

	return s.queryHits(ctx, sqlQuery, tenantID, siteID, query)
}

func (s *PostgresStore) queryHits(ctx context.Context, query string, args ...any) ([]models.EvidenceHit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search evidences: %w", err)
	}
	defer rows.Close()

	hits := []models.EvidenceHit{}
	for rows.Next() {
		hit, err := scanEvidenceHit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search evidences: %w", err)
	}
	return hits, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvidence(row rowScanner) (models.Evidence, error) {
	var ev models.Evidence
	var tags, domains []byte
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.SiteID, &ev.Title, &ev.Excerpt,
		&ev.SourceType, &ev.SourceRef, &ev.Confidence, &ev.Verified,
		&tags, &domains, &ev.Supersedes, &ev.Deleted, &ev.CreatedAt)
	if err != nil {
		return models.Evidence{}, err
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &ev.Tags)
	}
	if len(domains) > 0 {
		_ = json.Unmarshal(domains, &ev.Domains)
	}
	return ev, nil
}

func scanEvidenceHit(row rowScanner) (models.EvidenceHit, error) {
	var hit models.EvidenceHit
	var tags, domains []byte
	ev := &hit.Evidence
	err := row.Scan(&ev.ID, &ev.TenantID, &ev.SiteID, &ev.Title, &ev.Excerpt,
		&ev.SourceType, &ev.SourceRef, &ev.Confidence, &ev.Verified,
		&tags, &domains, &ev.Supersedes, &ev.Deleted, &ev.CreatedAt, &hit.Score)
	if err != nil {
		return models.EvidenceHit{}, err
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &ev.Tags)
	}
	if len(domains) > 0 {
		_ = json.Unmarshal(domains, &ev.Domains)
	}
	return hit, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
