package controlplane

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// MetricsSource aggregates ledger rows per experiment variant. The trace
// ledger implements it.
type MetricsSource interface {
	MetricsByVariant(ctx context.Context, tenantID, siteID, experimentID string, since time.Time) (map[string]models.TraceMetrics, error)
}

// ExperimentStore manages experiments and their sticky subject assignments.
type ExperimentStore struct {
	db      *sql.DB
	metrics MetricsSource
	logger  *observability.Logger
}

// NewExperimentStore creates an experiment store. metrics may be nil when
// the AB summary surface is not needed.
func NewExperimentStore(db *sql.DB, metrics MetricsSource, logger *observability.Logger) *ExperimentStore {
	return &ExperimentStore{db: db, metrics: metrics, logger: logger}
}

// Create inserts a draft experiment. Variant weights must sum to 100.
func (s *ExperimentStore) Create(ctx context.Context, exp models.Experiment) (models.Experiment, error) {
	if len(exp.Variants) < 2 {
		return models.Experiment{}, fmt.Errorf("experiment needs at least 2 variants")
	}
	total := 0
	for _, v := range exp.Variants {
		if v.Name == "" {
			return models.Experiment{}, fmt.Errorf("variant name is required")
		}
		if v.Weight < 0 {
			return models.Experiment{}, fmt.Errorf("variant %s: negative weight", v.Name)
		}
		total += v.Weight
	}
	if total != 100 {
		return models.Experiment{}, fmt.Errorf("variant weights sum to %d, want 100", total)
	}

	exp.ID = uuid.NewString()
	exp.Status = models.ExperimentDraft
	exp.CreatedAt = time.Now().UTC()
	variants, err := json.Marshal(exp.Variants)
	if err != nil {
		return models.Experiment{}, fmt.Errorf("encode variants: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, tenant_id, site_id, name, status, variants)
		VALUES ($1, $2, $3, $4, 'draft', $5)`,
		exp.ID, exp.TenantID, exp.SiteID, exp.Name, variants); err != nil {
		return models.Experiment{}, fmt.Errorf("insert experiment: %w", err)
	}
	return exp, nil
}

// Get returns one experiment by id.
func (s *ExperimentStore) Get(ctx context.Context, tenantID, siteID, id string) (models.Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, variants, created_at FROM experiments
		WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		tenantID, siteID, id)
	exp, err := scanExperiment(row, tenantID, siteID)
	if err == sql.ErrNoRows {
		return models.Experiment{}, fmt.Errorf("experiment %s not found", id)
	}
	return exp, err
}

// List returns experiments for a site, optionally filtered by status.
func (s *ExperimentStore) List(ctx context.Context, tenantID, siteID string, status models.ExperimentStatus) ([]models.Experiment, error) {
	query := `
		SELECT id, name, status, variants, created_at FROM experiments
		WHERE tenant_id = $1 AND site_id = $2`
	args := []any{tenantID, siteID}
	if status != "" {
		query += ` AND status = $3`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	out := []models.Experiment{}
	for rows.Next() {
		exp, err := scanExperiment(rows, tenantID, siteID)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// SetStatus transitions an experiment. Activation stamps started_at, ending
// stamps ended_at.
func (s *ExperimentStore) SetStatus(ctx context.Context, tenantID, siteID, id string, status models.ExperimentStatus) error {
	switch status {
	case models.ExperimentActive, models.ExperimentPaused, models.ExperimentEnded:
	default:
		return fmt.Errorf("invalid experiment status %q", status)
	}

	query := `UPDATE experiments SET status = $4`
	switch status {
	case models.ExperimentActive:
		query += `, started_at = COALESCE(started_at, now())`
	case models.ExperimentEnded:
		query += `, ended_at = now()`
	}
	query += ` WHERE tenant_id = $1 AND site_id = $2 AND id = $3`

	res, err := s.db.ExecContext(ctx, query, tenantID, siteID, id, string(status))
	if err != nil {
		return fmt.Errorf("update experiment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("experiment %s not found", id)
	}
	return nil
}

// Assign returns the sticky variant for a subject, assigning one on first
// contact. Changing weights never re-buckets a recorded subject.
func (s *ExperimentStore) Assign(ctx context.Context, tenantID, siteID, experimentID, subjectKey string) (models.ExperimentAssignment, error) {
	if subjectKey == "" {
		return models.ExperimentAssignment{}, fmt.Errorf("subject key is required")
	}

	existing, err := s.assignment(ctx, experimentID, subjectKey)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return models.ExperimentAssignment{}, err
	}

	exp, err := s.Get(ctx, tenantID, siteID, experimentID)
	if err != nil {
		return models.ExperimentAssignment{}, err
	}
	if exp.Status != models.ExperimentActive {
		return models.ExperimentAssignment{}, fmt.Errorf("experiment %s is %s, not active", experimentID, exp.Status)
	}

	bucket := Bucket(experimentID, subjectKey)
	variant := PickVariant(exp.Variants, bucket)

	// Two concurrent first contacts race here; the unique constraint lets
	// one insert win and the loser reads the winner's row back.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiment_assignments (experiment_id, subject_key, variant, bucket)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, subject_key) DO NOTHING`,
		experimentID, subjectKey, variant, bucket)
	if err != nil {
		return models.ExperimentAssignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.assignment(ctx, experimentID, subjectKey)
	}

	return models.ExperimentAssignment{
		ExperimentID: experimentID,
		SubjectKey:   subjectKey,
		Variant:      variant,
		Bucket:       bucket,
		AssignedAt:   time.Now().UTC(),
	}, nil
}

func (s *ExperimentStore) assignment(ctx context.Context, experimentID, subjectKey string) (models.ExperimentAssignment, error) {
	a := models.ExperimentAssignment{ExperimentID: experimentID, SubjectKey: subjectKey}
	err := s.db.QueryRowContext(ctx, `
		SELECT variant, bucket, assigned_at FROM experiment_assignments
		WHERE experiment_id = $1 AND subject_key = $2`,
		experimentID, subjectKey).Scan(&a.Variant, &a.Bucket, &a.AssignedAt)
	return a, err
}

// VariantSummary is one arm of the AB summary.
type VariantSummary struct {
	Variant  string              `json:"variant"`
	Subjects int                 `json:"subjects"`
	Metrics  models.TraceMetrics `json:"metrics"`
}

// ABSummary joins assignment counts with per-variant trace metrics.
func (s *ExperimentStore) ABSummary(ctx context.Context, tenantID, siteID, experimentID string, since time.Time) ([]VariantSummary, error) {
	exp, err := s.Get(ctx, tenantID, siteID, experimentID)
	if err != nil {
		return nil, err
	}

	counts := map[string]int{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant, COUNT(*) FROM experiment_assignments
		WHERE experiment_id = $1 GROUP BY variant`,
		experimentID)
	if err != nil {
		return nil, fmt.Errorf("count assignments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var variant string
		var n int
		if err := rows.Scan(&variant, &n); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		counts[variant] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var metrics map[string]models.TraceMetrics
	if s.metrics != nil {
		metrics, err = s.metrics.MetricsByVariant(ctx, tenantID, siteID, experimentID, since)
		if err != nil {
			return nil, err
		}
	}

	out := make([]VariantSummary, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		out = append(out, VariantSummary{
			Variant:  v.Name,
			Subjects: counts[v.Name],
			Metrics:  metrics[v.Name],
		})
	}
	return out, nil
}

// Bucket reduces sha256(experiment_id || "|" || subject_key) to [0, 100).
func Bucket(experimentID, subjectKey string) int {
	sum := sha256.Sum256([]byte(experimentID + "|" + subjectKey))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}

// PickVariant walks the variants in descending weight order and returns the
// first one whose cumulative range encloses the bucket. The last variant
// absorbs any remainder.
func PickVariant(variants []models.Variant, bucket int) string {
	ordered := append([]models.Variant(nil), variants...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Weight > ordered[j].Weight })

	cumulative := 0
	for _, v := range ordered {
		cumulative += v.Weight
		if bucket < cumulative {
			return v.Name
		}
	}
	if len(ordered) == 0 {
		return ""
	}
	return ordered[len(ordered)-1].Name
}

func scanExperiment(row rowScanner, tenantID, siteID string) (models.Experiment, error) {
	exp := models.Experiment{TenantID: tenantID, SiteID: siteID}
	var variants []byte
	if err := row.Scan(&exp.ID, &exp.Name, &exp.Status, &variants, &exp.CreatedAt); err != nil {
		return models.Experiment{}, err
	}
	if err := json.Unmarshal(variants, &exp.Variants); err != nil {
		return models.Experiment{}, fmt.Errorf("decode variants: %w", err)
	}
	return exp, nil
}
