package controlplane

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

const (
	// ActionActivate and ActionRollback are the release history actions.
	ActionActivate = "activate"
	ActionRollback = "rollback"

	releaseL1TTL = time.Minute
	releaseL2TTL = 5 * time.Minute
)

// ReleaseStore manages release bundles. At most one release is active per
// (tenant, site); activation and rollback archive the previous one and
// append a history row in the same transaction.
type ReleaseStore struct {
	db     *sql.DB
	l1     cache.Cache
	l2     cache.Cache
	logger *observability.Logger
}

// NewReleaseStore creates a release store with optional cache levels.
func NewReleaseStore(db *sql.DB, l1, l2 cache.Cache, logger *observability.Logger) *ReleaseStore {
	return &ReleaseStore{db: db, l1: l1, l2: l2, logger: logger}
}

func releaseCacheKey(tenantID, siteID string) string {
	return cache.Key("release", tenantID, siteID, "active", "current")
}

// Create inserts a draft release.
func (s *ReleaseStore) Create(ctx context.Context, tenantID, siteID, name string, payload models.ReleasePayload) (models.Release, error) {
	rel := models.Release{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		SiteID:    siteID,
		Name:      name,
		Status:    models.ReleaseDraft,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Release{}, fmt.Errorf("encode payload: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO releases (id, tenant_id, site_id, name, status, payload)
		VALUES ($1, $2, $3, $4, 'draft', $5)`,
		rel.ID, tenantID, siteID, name, raw); err != nil {
		return models.Release{}, fmt.Errorf("insert release: %w", err)
	}
	return rel, nil
}

// Get returns one release by id.
func (s *ReleaseStore) Get(ctx context.Context, tenantID, siteID, id string) (models.Release, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, payload, created_at FROM releases
		WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		tenantID, siteID, id)
	rel, err := scanRelease(row, tenantID, siteID)
	if err == sql.ErrNoRows {
		return models.Release{}, fmt.Errorf("release %s not found", id)
	}
	return rel, err
}

// Active returns the active release, cached. sql.ErrNoRows surfaces when no
// release has been activated yet.
func (s *ReleaseStore) Active(ctx context.Context, tenantID, siteID string) (models.Release, error) {
	key := releaseCacheKey(tenantID, siteID)
	var cached models.Release
	if s.l1 != nil && s.l1.Get(ctx, key, &cached) {
		return cached, nil
	}
	if s.l2 != nil && s.l2.Get(ctx, key, &cached) {
		if s.l1 != nil {
			s.l1.Set(ctx, key, cached, releaseL1TTL)
		}
		return cached, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, payload, created_at FROM releases
		WHERE tenant_id = $1 AND site_id = $2 AND status = 'active'`,
		tenantID, siteID)
	rel, err := scanRelease(row, tenantID, siteID)
	if err != nil {
		return models.Release{}, err
	}

	if s.l2 != nil {
		s.l2.Set(ctx, key, rel, releaseL2TTL)
	}
	if s.l1 != nil {
		s.l1.Set(ctx, key, rel, releaseL1TTL)
	}
	return rel, nil
}

// List returns releases for a site, newest first.
func (s *ReleaseStore) List(ctx context.Context, tenantID, siteID string, limit int) ([]models.Release, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, payload, created_at FROM releases
		WHERE tenant_id = $1 AND site_id = $2
		ORDER BY created_at DESC LIMIT $3`,
		tenantID, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	out := []models.Release{}
	for rows.Next() {
		rel, err := scanRelease(rows, tenantID, siteID)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// Activate makes the target release active, archiving the current one.
func (s *ReleaseStore) Activate(ctx context.Context, tenantID, siteID, id, actor string) error {
	return s.transition(ctx, tenantID, siteID, id, actor, ActionActivate)
}

// Rollback re-activates an archived release. The mechanics match Activate;
// the history row records the intent.
func (s *ReleaseStore) Rollback(ctx context.Context, tenantID, siteID, id, actor string) error {
	return s.transition(ctx, tenantID, siteID, id, actor, ActionRollback)
}

func (s *ReleaseStore) transition(ctx context.Context, tenantID, siteID, id, actor, action string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the current active row so concurrent activations serialize.
	var previousID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM releases
		WHERE tenant_id = $1 AND site_id = $2 AND status = 'active'
		FOR UPDATE`,
		tenantID, siteID).Scan(&previousID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lock active release: %w", err)
	}

	if previousID == id {
		return fmt.Errorf("release %s is already active", id)
	}
	if previousID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE releases SET status = 'archived' WHERE id = $1`,
			previousID); err != nil {
			return fmt.Errorf("archive release: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE releases SET status = 'active', activated_at = now()
		WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		tenantID, siteID, id)
	if err != nil {
		return fmt.Errorf("activate release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release %s not found", id)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO release_history (tenant_id, site_id, release_id, action, actor, previous_release_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tenantID, siteID, id, action, actor, previousID); err != nil {
		return fmt.Errorf("write release history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	key := releaseCacheKey(tenantID, siteID)
	if s.l1 != nil {
		s.l1.Delete(ctx, key)
	}
	if s.l2 != nil {
		s.l2.Delete(ctx, key)
	}
	s.logger.Info(ctx, "release transition", "release_id", id, "action", action, "previous", previousID)
	return nil
}

// History returns the activation log, newest first.
func (s *ReleaseStore) History(ctx context.Context, tenantID, siteID string, limit int) ([]models.ReleaseHistory, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, release_id, action, actor, previous_release_id, created_at
		FROM release_history
		WHERE tenant_id = $1 AND site_id = $2
		ORDER BY created_at DESC LIMIT $3`,
		tenantID, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list release history: %w", err)
	}
	defer rows.Close()

	out := []models.ReleaseHistory{}
	for rows.Next() {
		h := models.ReleaseHistory{TenantID: tenantID, SiteID: siteID}
		if err := rows.Scan(&h.ID, &h.ReleaseID, &h.Action, &h.Actor, &h.PreviousReleaseID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan release history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanRelease(row rowScanner, tenantID, siteID string) (models.Release, error) {
	rel := models.Release{TenantID: tenantID, SiteID: siteID}
	var payload []byte
	if err := row.Scan(&rel.ID, &rel.Name, &rel.Status, &payload, &rel.CreatedAt); err != nil {
		return models.Release{}, err
	}
	if err := json.Unmarshal(payload, &rel.Payload); err != nil {
		return models.Release{}, fmt.Errorf("decode release payload: %w", err)
	}
	return rel, nil
}
