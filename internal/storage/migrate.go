package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serializes migrators across replicas through a Postgres
// transaction-scoped advisory lock. Every instance runs Up at boot, so two
// replicas starting together must not race on the same step.
const migrationLockID = int64(0x6c6f7265)

// journalTable records which steps have been applied.
const journalTable = "dialog_schema_migrations"

// Migration is one embedded schema step. Both directions are required; a
// step without a paired .down.sql fails at load time, not at rollback time.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is one journal row.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded steps in lexical order, one transaction
// per step.
type Migrator struct {
	db    *sql.DB
	steps []Migration
	byID  map[string]Migration
}

// NewMigrator loads the embedded steps over the given database handle.
func NewMigrator(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	steps, err := readMigrationDir()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Migration, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
	}
	return &Migrator{db: db, steps: steps, byID: byID}, nil
}

// Up applies pending steps in order and returns the ids applied. steps <= 0
// applies everything pending.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	applied, err := m.journal(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, entry := range applied {
		done[entry.ID] = true
	}

	out := []string{}
	for _, step := range m.steps {
		if done[step.ID] {
			continue
		}
		if steps > 0 && len(out) >= steps {
			break
		}
		err := m.inStep(ctx, step.ID, "apply", step.UpSQL,
			`INSERT INTO `+journalTable+` (id) VALUES ($1)`)
		if err != nil {
			return out, err
		}
		out = append(out, step.ID)
	}
	return out, nil
}

// Down rolls back the most recent applied steps, newest first. steps <= 0
// rolls back one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	applied, err := m.journal(ctx)
	if err != nil {
		return nil, err
	}

	out := []string{}
	for i := len(applied) - 1; i >= 0 && len(out) < steps; i-- {
		step, ok := m.byID[applied[i].ID]
		if !ok {
			return out, fmt.Errorf("journal names unknown migration %s", applied[i].ID)
		}
		err := m.inStep(ctx, step.ID, "rollback", step.DownSQL,
			`DELETE FROM `+journalTable+` WHERE id = $1`)
		if err != nil {
			return out, err
		}
		out = append(out, step.ID)
	}
	return out, nil
}

// Status returns the journal alongside the steps not yet applied.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	applied, err := m.journal(ctx)
	if err != nil {
		return nil, nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, entry := range applied {
		done[entry.ID] = true
	}
	pending := []Migration{}
	for _, step := range m.steps {
		if !done[step.ID] {
			pending = append(pending, step)
		}
	}
	return applied, pending, nil
}

// inStep runs one step and its journal write inside a single transaction,
// holding the advisory lock for the transaction's duration.
func (m *Migrator) inStep(ctx context.Context, id, verb, stepSQL, journalSQL string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", verb, id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("lock %s %s: %w", verb, id, err)
	}
	if _, err := tx.ExecContext(ctx, stepSQL); err != nil {
		return fmt.Errorf("%s %s: %w", verb, id, err)
	}
	if _, err := tx.ExecContext(ctx, journalSQL, id); err != nil {
		return fmt.Errorf("journal %s %s: %w", verb, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", verb, id, err)
	}
	return nil
}

// journal creates the bookkeeping table if needed and returns its rows in
// applied order.
func (m *Migrator) journal(ctx context.Context) ([]AppliedMigration, error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+journalTable+` (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", journalTable, err)
	}

	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM `+journalTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", journalTable, err)
	}
	defer rows.Close()

	out := []AppliedMigration{}
	for rows.Next() {
		var entry AppliedMigration
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", journalTable, err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// readMigrationDir pairs the embedded NNNN_name.up.sql and .down.sql files
// into ordered steps.
func readMigrationDir() ([]Migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byID := map[string]*Migration{}
	for _, path := range paths {
		name := strings.TrimPrefix(path, "migrations/")
		var id string
		var down bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			id = strings.TrimSuffix(name, ".up.sql")
		case strings.HasSuffix(name, ".down.sql"):
			id = strings.TrimSuffix(name, ".down.sql")
			down = true
		default:
			return nil, fmt.Errorf("migration %s is neither .up.sql nor .down.sql", name)
		}

		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		step := byID[id]
		if step == nil {
			step = &Migration{ID: id}
			byID[id] = step
		}
		if down {
			step.DownSQL = string(data)
		} else {
			step.UpSQL = string(data)
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	steps := make([]Migration, 0, len(ids))
	for _, id := range ids {
		step := byID[id]
		if strings.TrimSpace(step.UpSQL) == "" || strings.TrimSpace(step.DownSQL) == "" {
			return nil, fmt.Errorf("migration %s is missing its up or down file", id)
		}
		steps = append(steps, *step)
	}
	return steps, nil
}
