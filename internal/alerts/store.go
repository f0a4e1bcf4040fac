// Package alerts evaluates trace-ledger metrics against a versioned rule
// document, reconciles firing episodes, and dispatches webhooks for new
// critical and high alerts.
package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lorekeep/lorekeep/pkg/models"
)

const eventColumns = `id, tenant_id, site_id, alert_code, window_label, severity, status,
	current_value, threshold, first_seen_at, last_seen_at, resolved_at, webhook_sent,
	release_id, experiment_id`

// EventStore persists alert episodes and silences in Postgres.
type EventStore struct {
	db *sql.DB
}

// NewEventStore wraps an open database handle.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// MarkFiring records one firing evaluation. A brand-new condition and a
// re-fire after resolution both start a fresh episode and report isNew;
// a still-firing condition only refreshes last_seen and the value.
func (s *EventStore) MarkFiring(ctx context.Context, alert models.Alert, releaseID, experimentID string) (isNew bool, eventID int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin alert tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT id, status FROM alert_events
		WHERE tenant_id = $1 AND site_id = $2 AND alert_code = $3 AND window_label = $4
		FOR UPDATE`,
		alert.TenantID, alert.SiteID, alert.Rule.Code, alert.Rule.Window).Scan(&id, &status)

	switch {
	case err == sql.ErrNoRows:
		err = tx.QueryRowContext(ctx, `
			INSERT INTO alert_events (tenant_id, site_id, alert_code, window_label, severity,
				status, current_value, threshold, release_id, experiment_id)
			VALUES ($1, $2, $3, $4, $5, 'firing', $6, $7, $8, $9)
			RETURNING id`,
			alert.TenantID, alert.SiteID, alert.Rule.Code, alert.Rule.Window,
			string(alert.Rule.Severity), alert.CurrentValue, alert.Rule.Threshold,
			releaseID, experimentID).Scan(&id)
		if err != nil {
			return false, 0, fmt.Errorf("insert alert event: %w", err)
		}
		isNew = true
	case err != nil:
		return false, 0, fmt.Errorf("lock alert event: %w", err)
	case status == string(models.AlertResolved):
		// New episode on the same key.
		_, err = tx.ExecContext(ctx, `
			UPDATE alert_events SET status = 'firing', current_value = $2, threshold = $3,
				first_seen_at = now(), last_seen_at = now(), resolved_at = NULL,
				webhook_sent = '', release_id = $4, experiment_id = $5
			WHERE id = $1`,
			id, alert.CurrentValue, alert.Rule.Threshold, releaseID, experimentID)
		if err != nil {
			return false, 0, fmt.Errorf("refire alert event: %w", err)
		}
		isNew = true
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE alert_events SET current_value = $2, last_seen_at = now()
			WHERE id = $1`,
			id, alert.CurrentValue)
		if err != nil {
			return false, 0, fmt.Errorf("refresh alert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit alert event: %w", err)
	}
	return isNew, id, nil
}

// Resolve marks one firing event resolved.
func (s *EventStore) Resolve(ctx context.Context, eventID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_events SET status = 'resolved', resolved_at = now()
		WHERE id = $1 AND status = 'firing'`, eventID)
	if err != nil {
		return fmt.Errorf("resolve alert event: %w", err)
	}
	return nil
}

// SetWebhookStatus stamps the dispatch outcome on an event.
func (s *EventStore) SetWebhookStatus(ctx context.Context, eventID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE alert_events SET webhook_sent = $2 WHERE id = $1`, eventID, status)
	if err != nil {
		return fmt.Errorf("stamp webhook status: %w", err)
	}
	return nil
}

// Firing returns the currently-firing events for one site.
func (s *EventStore) Firing(ctx context.Context, tenantID, siteID string) ([]models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM alert_events
		WHERE tenant_id = $1 AND site_id = $2 AND status = 'firing'
		ORDER BY first_seen_at`, tenantID, siteID)
	if err != nil {
		return nil, fmt.Errorf("list firing events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// List returns events for one site, optionally filtered by status,
// newest episodes first.
func (s *EventStore) List(ctx context.Context, tenantID, siteID string, status models.AlertEventStatus, limit int) ([]models.AlertEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + eventColumns + ` FROM alert_events WHERE tenant_id = $1 AND site_id = $2`
	args := []any{tenantID, siteID}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += fmt.Sprintf(" ORDER BY first_seen_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CreateSilence stores a suppression window.
func (s *EventStore) CreateSilence(ctx context.Context, silence models.AlertSilence) (models.AlertSilence, error) {
	if silence.EndsAt.Before(silence.StartsAt) {
		return models.AlertSilence{}, fmt.Errorf("silence ends before it starts")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO alert_silences (tenant_id, site_id, code, severity, reason, starts_at, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		silence.TenantID, silence.SiteID, silence.Code, string(silence.Severity),
		silence.Reason, silence.StartsAt, silence.EndsAt).Scan(&silence.ID, &silence.CreatedAt)
	if err != nil {
		return models.AlertSilence{}, fmt.Errorf("create silence: %w", err)
	}
	return silence, nil
}

// DeleteSilence removes one silence by id.
func (s *EventStore) DeleteSilence(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM alert_silences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete silence: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("silence %d not found", id)
	}
	return nil
}

// Silences lists stored silences for one site, newest first, including
// global rows that apply to it.
func (s *EventStore) Silences(ctx context.Context, tenantID, siteID string) ([]models.AlertSilence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, site_id, code, severity, reason, starts_at, ends_at, created_at
		FROM alert_silences
		WHERE (tenant_id = '' OR tenant_id = $1) AND (site_id = '' OR site_id = $2)
		ORDER BY created_at DESC`,
		tenantID, siteID)
	if err != nil {
		return nil, fmt.Errorf("list silences: %w", err)
	}
	defer rows.Close()
	return scanSilences(rows)
}

// ActiveSilences returns silences whose window covers now and whose scope
// matchers could apply to the site. Global rows (empty tenant or site)
// are included.
func (s *EventStore) ActiveSilences(ctx context.Context, tenantID, siteID string, now time.Time) ([]models.AlertSilence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, site_id, code, severity, reason, starts_at, ends_at, created_at
		FROM alert_silences
		WHERE starts_at <= $3 AND ends_at >= $3
			AND (tenant_id = '' OR tenant_id = $1)
			AND (site_id = '' OR site_id = $2)`,
		tenantID, siteID, now)
	if err != nil {
		return nil, fmt.Errorf("list silences: %w", err)
	}
	defer rows.Close()
	return scanSilences(rows)
}

func scanSilences(rows *sql.Rows) ([]models.AlertSilence, error) {
	out := []models.AlertSilence{}
	for rows.Next() {
		var silence models.AlertSilence
		var severity string
		if err := rows.Scan(&silence.ID, &silence.TenantID, &silence.SiteID, &silence.Code,
			&severity, &silence.Reason, &silence.StartsAt, &silence.EndsAt, &silence.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan silence: %w", err)
		}
		silence.Severity = models.AlertSeverity(severity)
		out = append(out, silence)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]models.AlertEvent, error) {
	out := []models.AlertEvent{}
	for rows.Next() {
		var event models.AlertEvent
		var severity, status string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&event.ID, &event.TenantID, &event.SiteID, &event.AlertCode,
			&event.Window, &severity, &status, &event.CurrentValue, &event.Threshold,
			&event.FirstSeenAt, &event.LastSeenAt, &resolvedAt, &event.WebhookSent,
			&event.ReleaseID, &event.ExperimentID); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		event.Severity = models.AlertSeverity(severity)
		event.Status = models.AlertEventStatus(status)
		if resolvedAt.Valid {
			event.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, event)
	}
	return out, rows.Err()
}
