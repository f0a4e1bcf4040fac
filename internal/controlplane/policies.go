// Package controlplane holds the versioned configuration surface: policy
// documents, releases, and experiments. Reads go through a two-level cache;
// any write that changes the active row invalidates both levels.
package controlplane

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

//go:embed seeds/*.json
var seedFS embed.FS

// SeedVersion is the version stamped on documents imported from the
// filesystem seed.
const SeedVersion = "seed-1"

const (
	policyL1TTL = time.Minute
	policyL2TTL = 5 * time.Minute
)

// PolicyStore reads and writes policy documents. Each (tenant, site, name,
// version) is immutable once written; activation flips which version reads
// return.
type PolicyStore struct {
	db     *sql.DB
	l1     cache.Cache
	l2     cache.Cache
	logger *observability.Logger
}

// NewPolicyStore creates a policy store. l1 is the in-process cache, l2 the
// shared one; either may be nil.
func NewPolicyStore(db *sql.DB, l1, l2 cache.Cache, logger *observability.Logger) *PolicyStore {
	return &PolicyStore{db: db, l1: l1, l2: l2, logger: logger}
}

func policyCacheKey(tenantID, siteID, name string) string {
	return cache.Key("policy", tenantID, siteID, name, "active")
}

// Active returns the active version of a named policy. When no version is
// active yet, the embedded seed document is imported and activated.
func (s *PolicyStore) Active(ctx context.Context, tenantID, siteID, name string) (models.PolicyVersion, error) {
	key := policyCacheKey(tenantID, siteID, name)
	var cached models.PolicyVersion
	if s.l1 != nil && s.l1.Get(ctx, key, &cached) {
		return cached, nil
	}
	if s.l2 != nil && s.l2.Get(ctx, key, &cached) {
		if s.l1 != nil {
			s.l1.Set(ctx, key, cached, policyL1TTL)
		}
		return cached, nil
	}

	pv, err := s.queryActive(ctx, tenantID, siteID, name)
	if err == sql.ErrNoRows {
		pv, err = s.importSeed(ctx, tenantID, siteID, name)
	}
	if err != nil {
		return models.PolicyVersion{}, err
	}

	if s.l2 != nil {
		s.l2.Set(ctx, key, pv, policyL2TTL)
	}
	if s.l1 != nil {
		s.l1.Set(ctx, key, pv, policyL1TTL)
	}
	return pv, nil
}

// Version returns one specific version of a policy.
func (s *PolicyStore) Version(ctx context.Context, tenantID, siteID, name, version string) (models.PolicyVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, active, content, created_at FROM policy_versions
		WHERE tenant_id = $1 AND site_id = $2 AND name = $3 AND version = $4`,
		tenantID, siteID, name, version)
	pv, err := scanPolicy(row, name)
	if err == sql.ErrNoRows {
		return models.PolicyVersion{}, fmt.Errorf("policy %s version %s not found", name, version)
	}
	return pv, err
}

// ListVersions returns every version of a policy, newest first.
func (s *PolicyStore) ListVersions(ctx context.Context, tenantID, siteID, name string) ([]models.PolicyVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, active, content, created_at FROM policy_versions
		WHERE tenant_id = $1 AND site_id = $2 AND name = $3
		ORDER BY created_at DESC`,
		tenantID, siteID, name)
	if err != nil {
		return nil, fmt.Errorf("list policy versions: %w", err)
	}
	defer rows.Close()

	out := []models.PolicyVersion{}
	for rows.Next() {
		pv, err := scanPolicy(rows, name)
		if err != nil {
			return nil, err
		}
		out = append(out, pv)
	}
	return out, rows.Err()
}

// Create inserts a new inactive version.
func (s *PolicyStore) Create(ctx context.Context, tenantID, siteID string, pv models.PolicyVersion) error {
	content, err := json.Marshal(pv.Content)
	if err != nil {
		return fmt.Errorf("encode policy content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_versions (tenant_id, site_id, name, version, active, content)
		VALUES ($1, $2, $3, $4, FALSE, $5)`,
		tenantID, siteID, pv.Name, pv.Version, content)
	if err != nil {
		return fmt.Errorf("insert policy version: %w", err)
	}
	return nil
}

// SetActiveVersion atomically moves the active flag to the target version.
// Rollback is this same operation pointed at an older version.
func (s *PolicyStore) SetActiveVersion(ctx context.Context, tenantID, siteID, name, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE policy_versions SET active = FALSE
		WHERE tenant_id = $1 AND site_id = $2 AND name = $3 AND active`,
		tenantID, siteID, name); err != nil {
		return fmt.Errorf("clear active: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE policy_versions SET active = TRUE
		WHERE tenant_id = $1 AND site_id = $2 AND name = $3 AND version = $4`,
		tenantID, siteID, name, version)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("policy %s version %s not found", name, version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.invalidate(ctx, tenantID, siteID, name)
	return nil
}

func (s *PolicyStore) invalidate(ctx context.Context, tenantID, siteID, name string) {
	key := policyCacheKey(tenantID, siteID, name)
	if s.l1 != nil {
		s.l1.Delete(ctx, key)
	}
	if s.l2 != nil {
		s.l2.Delete(ctx, key)
	}
}

func (s *PolicyStore) queryActive(ctx context.Context, tenantID, siteID, name string) (models.PolicyVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, active, content, created_at FROM policy_versions
		WHERE tenant_id = $1 AND site_id = $2 AND name = $3 AND active`,
		tenantID, siteID, name)
	return scanPolicy(row, name)
}

func (s *PolicyStore) importSeed(ctx context.Context, tenantID, siteID, name string) (models.PolicyVersion, error) {
	data, err := seedFS.ReadFile("seeds/" + name + ".json")
	if err != nil {
		return models.PolicyVersion{}, fmt.Errorf("no active version and no seed for policy %s", name)
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("decode seed %s: %w", name, err)
	}

	pv := models.PolicyVersion{
		Name:      name,
		Version:   SeedVersion,
		Active:    true,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	// A concurrent first read may have seeded already; the unique
	// constraint makes the insert a no-op in that case.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_versions (tenant_id, site_id, name, version, active, content)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (tenant_id, site_id, name, version) DO NOTHING`,
		tenantID, siteID, name, SeedVersion, data); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("import seed %s: %w", name, err)
	}
	s.logger.Info(ctx, "seed policy imported", "policy", name, "tenant_id", tenantID, "site_id", siteID)
	return pv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner, name string) (models.PolicyVersion, error) {
	pv := models.PolicyVersion{Name: name}
	var content []byte
	if err := row.Scan(&pv.Version, &pv.Active, &content, &pv.CreatedAt); err != nil {
		return models.PolicyVersion{}, err
	}
	if err := json.Unmarshal(content, &pv.Content); err != nil {
		return models.PolicyVersion{}, fmt.Errorf("decode policy %s: %w", name, err)
	}
	return pv, nil
}
