package tool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// RegistryStore is the Postgres persistence behind the builtin tools: NPC
// profiles, prompts, editorial content, feedback, and user events.
type RegistryStore struct {
	db *sql.DB
}

// NewRegistryStore wraps an open database handle.
func NewRegistryStore(db *sql.DB) *RegistryStore {
	return &RegistryStore{db: db}
}

// NPCProfile returns one profile version, or the active version when
// version is 0.
func (s *RegistryStore) NPCProfile(ctx context.Context, tenantID, siteID, npcID string, version int) (models.NPCProfile, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `
			SELECT version, active, profile, created_at FROM npc_profiles
			WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND version = $4`,
			tenantID, siteID, npcID, version)
	} else {
		row = s.db.QueryRowContext(ctx, `
			SELECT version, active, profile, created_at FROM npc_profiles
			WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND active`,
			tenantID, siteID, npcID)
	}

	var profile models.NPCProfile
	var raw []byte
	var v int
	var active bool
	var createdAt time.Time
	if err := row.Scan(&v, &active, &raw, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return models.NPCProfile{}, fmt.Errorf("npc profile %s not found", npcID)
		}
		return models.NPCProfile{}, fmt.Errorf("get npc profile: %w", err)
	}
	if err := json.Unmarshal(raw, &profile); err != nil {
		return models.NPCProfile{}, fmt.Errorf("decode npc profile: %w", err)
	}
	profile.TenantID = tenantID
	profile.SiteID = siteID
	profile.NPCID = npcID
	profile.Version = v
	profile.Active = active
	profile.CreatedAt = createdAt
	return profile, nil
}

// SaveNPCProfile inserts a new profile version. When activate is true the
// sibling versions are deactivated in the same transaction.
func (s *RegistryStore) SaveNPCProfile(ctx context.Context, profile models.NPCProfile, activate bool) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode npc profile: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if activate {
		if _, err := tx.ExecContext(ctx, `
			UPDATE npc_profiles SET active = FALSE
			WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND active`,
			profile.TenantID, profile.SiteID, profile.NPCID); err != nil {
			return fmt.Errorf("deactivate siblings: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO npc_profiles (tenant_id, site_id, npc_id, version, active, profile)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		profile.TenantID, profile.SiteID, profile.NPCID, profile.Version, activate, raw); err != nil {
		return fmt.Errorf("insert npc profile: %w", err)
	}
	return tx.Commit()
}

// ActivePrompt returns the active prompt of the given type.
func (s *RegistryStore) ActivePrompt(ctx context.Context, tenantID, siteID, npcID string, promptType models.PromptType) (models.Prompt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, prompt_text, policy, created_at FROM npc_prompts
		WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND prompt_type = $4 AND active`,
		tenantID, siteID, npcID, string(promptType))

	prompt := models.Prompt{
		TenantID:   tenantID,
		SiteID:     siteID,
		NPCID:      npcID,
		PromptType: promptType,
		Active:     true,
	}
	var policy []byte
	if err := row.Scan(&prompt.Version, &prompt.Text, &policy, &prompt.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return models.Prompt{}, fmt.Errorf("no active %s prompt for %s", promptType, npcID)
		}
		return models.Prompt{}, fmt.Errorf("get prompt: %w", err)
	}
	if len(policy) > 0 {
		_ = json.Unmarshal(policy, &prompt.Policy)
	}
	return prompt, nil
}

// SearchContent runs a bounded substring search over editorial content.
func (s *RegistryStore) SearchContent(ctx context.Context, tenantID, siteID, query, contentType string, limit int) ([]models.Content, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}

	sqlQuery := `
		SELECT id, content_type, title, body, summary, tags, domains, source, status, created_at
		FROM contents
		WHERE tenant_id = $1 AND site_id = $2
			AND (title ILIKE '%' || $3 || '%' OR body ILIKE '%' || $3 || '%')`
	args := []any{tenantID, siteID, query}
	if contentType != "" {
		sqlQuery += ` AND content_type = $4`
		args = append(args, contentType)
	}
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("search contents: %w", err)
	}
	defer rows.Close()

	out := []models.Content{}
	for rows.Next() {
		var c models.Content
		var tags, domains []byte
		if err := rows.Scan(&c.ID, &c.ContentType, &c.Title, &c.Body, &c.Summary,
			&tags, &domains, &c.Source, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		c.TenantID = tenantID
		c.SiteID = siteID
		_ = json.Unmarshal(tags, &c.Tags)
		_ = json.Unmarshal(domains, &c.Domains)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateDraftContent inserts a new content row with status draft. The
// status is forced regardless of input.
func (s *RegistryStore) CreateDraftContent(ctx context.Context, c models.Content) (models.Content, error) {
	c.ID = uuid.NewString()
	c.Status = "draft"
	c.CreatedAt = time.Now().UTC()

	tags, _ := json.Marshal(orEmptyStrings(c.Tags))
	domains, _ := json.Marshal(orEmptyStrings(c.Domains))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contents (id, tenant_id, site_id, content_type, title, body, summary, tags, domains, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'draft', $11)`,
		c.ID, c.TenantID, c.SiteID, c.ContentType, c.Title, c.Body, c.Summary, tags, domains, c.Source, c.CreatedAt)
	if err != nil {
		return models.Content{}, fmt.Errorf("insert content: %w", err)
	}
	return c, nil
}

// LogUserEvent appends one analytic event.
func (s *RegistryStore) LogUserEvent(ctx context.Context, ev models.UserEvent) error {
	payload, err := json.Marshal(ev.EventData)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_events (tenant_id, site_id, session_id, npc_id, user_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.TenantID, ev.SiteID, ev.SessionID, "", ev.UserID, ev.EventType, payload)
	if err != nil {
		return fmt.Errorf("insert user event: %w", err)
	}
	return nil
}

// SubmitFeedback persists a pending feedback item and returns its id.
func (s *RegistryStore) SubmitFeedback(ctx context.Context, fb models.Feedback) (models.Feedback, error) {
	fb.ID = uuid.NewString()
	fb.Status = "pending"
	fb.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_feedbacks (id, tenant_id, site_id, trace_id, category, rating, comment, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, 'pending', $7)`,
		fb.ID, fb.TenantID, fb.SiteID, fb.TraceID, fb.FeedbackType+"/"+fb.Severity, fb.Content, fb.CreatedAt)
	if err != nil {
		return models.Feedback{}, fmt.Errorf("insert feedback: %w", err)
	}
	return fb, nil
}

// ListFeedback returns feedback items filtered by status, type, and
// severity, newest first.
func (s *RegistryStore) ListFeedback(ctx context.Context, tenantID, siteID, status, feedbackType, severity string, limit int) ([]models.Feedback, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	sqlQuery := `
		SELECT id, trace_id, category, comment, status, created_at
		FROM user_feedbacks
		WHERE tenant_id = $1 AND site_id = $2`
	args := []any{tenantID, siteID}
	if status != "" {
		args = append(args, status)
		sqlQuery += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if feedbackType != "" {
		args = append(args, feedbackType+"/%")
		sqlQuery += fmt.Sprintf(` AND category LIKE $%d`, len(args))
	}
	if severity != "" {
		args = append(args, "%/"+severity)
		sqlQuery += fmt.Sprintf(` AND category LIKE $%d`, len(args))
	}
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	out := []models.Feedback{}
	for rows.Next() {
		var fb models.Feedback
		var category string
		if err := rows.Scan(&fb.ID, &fb.TraceID, &category, &fb.Content, &fb.Status, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		fb.TenantID = tenantID
		fb.SiteID = siteID
		fb.FeedbackType, fb.Severity = splitCategory(category)
		out = append(out, fb)
	}
	return out, rows.Err()
}

// SiteMap assembles the site composition from published poi and route
// content rows.
func (s *RegistryStore) SiteMap(ctx context.Context, tenantID, siteID string) (models.SiteMap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_type, title, summary, tags, domains
		FROM contents
		WHERE tenant_id = $1 AND site_id = $2
			AND content_type IN ('poi', 'route') AND status = 'published'
		ORDER BY created_at`,
		tenantID, siteID)
	if err != nil {
		return models.SiteMap{}, fmt.Errorf("load site map: %w", err)
	}
	defer rows.Close()

	siteMap := models.SiteMap{TenantID: tenantID, SiteID: siteID}
	for rows.Next() {
		var id, contentType, title, summary string
		var tags, domains []byte
		if err := rows.Scan(&id, &contentType, &title, &summary, &tags, &domains); err != nil {
			return models.SiteMap{}, fmt.Errorf("scan site map row: %w", err)
		}
		var tagList []string
		_ = json.Unmarshal(tags, &tagList)
		switch contentType {
		case "poi":
			siteMap.POIs = append(siteMap.POIs, models.PointOfInterest{
				ID: id, Name: title, Description: summary, Tags: tagList,
			})
		case "route":
			// Route rows keep their ordered poi ids in the domains column.
			var poiIDs []string
			_ = json.Unmarshal(domains, &poiIDs)
			siteMap.Routes = append(siteMap.Routes, models.Route{
				ID: id, Name: title, Description: summary, POIIDs: poiIDs,
			})
		}
	}
	return siteMap, rows.Err()
}

func splitCategory(category string) (feedbackType, severity string) {
	for i := 0; i < len(category); i++ {
		if category[i] == '/' {
			return category[:i], category[i+1:]
		}
	}
	return category, ""
}

func orEmptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
