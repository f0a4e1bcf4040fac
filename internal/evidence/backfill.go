package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// SiteRef names one (tenant, site) scope present in the corpus.
type SiteRef struct {
	TenantID string
	SiteID   string
}

// SiteRefs lists every scope holding live evidence, ordered for stable
// round-robin iteration.
func (s *PostgresStore) SiteRefs(ctx context.Context) ([]SiteRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id, site_id FROM evidences
		WHERE NOT deleted
		ORDER BY tenant_id, site_id`)
	if err != nil {
		return nil, fmt.Errorf("list evidence scopes: %w", err)
	}
	defer rows.Close()

	out := []SiteRef{}
	for rows.Next() {
		var ref SiteRef
		if err := rows.Scan(&ref.TenantID, &ref.SiteID); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// UnembeddedBatch returns up to limit live records never pushed to the
// vector index, oldest first.
func (s *PostgresStore) UnembeddedBatch(ctx context.Context, tenantID, siteID string, limit int) ([]models.Evidence, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidences
		WHERE tenant_id = $1 AND site_id = $2 AND NOT deleted AND embedded_at IS NULL
		ORDER BY created_at
		LIMIT $3`,
		tenantID, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unembedded evidence: %w", err)
	}
	defer rows.Close()
	return collectEvidence(rows)
}

// StaleEmbeddedBatch returns records whose vectors predate the cutoff, for
// re-embedding after a model or dimension change.
func (s *PostgresStore) StaleEmbeddedBatch(ctx context.Context, tenantID, siteID string, cutoff time.Time, limit int) ([]models.Evidence, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM evidences
		WHERE tenant_id = $1 AND site_id = $2 AND NOT deleted AND embedded_at < $3
		ORDER BY embedded_at
		LIMIT $4`,
		tenantID, siteID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale evidence: %w", err)
	}
	defer rows.Close()
	return collectEvidence(rows)
}

// MarkEmbedded stamps a record after a successful index upsert.
func (s *PostgresStore) MarkEmbedded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE evidences SET embedded_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark embedded: %w", err)
	}
	return nil
}

func collectEvidence(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]models.Evidence, error) {
	out := []models.Evidence{}
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
