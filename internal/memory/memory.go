// Package memory implements bounded per-session conversation memory and the
// cross-NPC preference record.
//
// Short memory is NPC-isolated: the storage key includes the npc id, so two
// NPCs in the same session never see each other's history. Preference memory
// is shared across NPCs and carries user choices only, never facts. Neither
// record is a fact source; when injected into a prompt the text is preceded
// by a disclaimer.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// Defaults for memory bounds.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultMaxMessages = 50
	DefaultMaxChars    = 8000
)

// Scope identifies one NPC-isolated message log.
type Scope struct {
	TenantID  string
	SiteID    string
	SessionID string
	NPCID     string
}

// Key returns the storage key for the scope's message log.
func (s Scope) Key() string {
	return strings.Join([]string{"mem", s.TenantID, s.SiteID, s.SessionID, s.NPCID}, ":")
}

// SessionPrefix matches every NPC log in one session.
func (s Scope) SessionPrefix() string {
	return strings.Join([]string{"mem", s.TenantID, s.SiteID, s.SessionID}, ":") + ":"
}

// PreferenceKey identifies the cross-NPC preference record for one user in
// one site.
func PreferenceKey(tenantID, siteID, userID string) string {
	return strings.Join([]string{"pref", tenantID, siteID, userID}, ":")
}

// Store is the session memory contract.
type Store interface {
	// AppendMessage adds one message to the NPC-scoped log, trimming
	// oldest-first when the count or character bounds are exceeded.
	AppendMessage(ctx context.Context, scope Scope, msg models.MemoryMessage) error

	// RecentMessages returns up to limit messages in chronological order,
	// trimmed oldest-first so total content stays within maxChars.
	RecentMessages(ctx context.Context, scope Scope, limit, maxChars int) ([]models.MemoryMessage, error)

	// ClearSession removes the log for one NPC, or every NPC log in the
	// session when npcID is empty.
	ClearSession(ctx context.Context, tenantID, siteID, sessionID, npcID string) error

	// SessionSummary reports message counts and the most recent messages.
	SessionSummary(ctx context.Context, scope Scope, max int) (models.SessionSummary, error)

	// Preference returns the stored preference record, or a zero record
	// when none exists.
	Preference(ctx context.Context, tenantID, siteID, userID string) (models.Preference, error)

	// UpdatePreference replaces the preference record.
	UpdatePreference(ctx context.Context, tenantID, siteID, userID string, pref models.Preference) error

	// AddInterestTag appends a tag to the preference record if absent.
	AddInterestTag(ctx context.Context, tenantID, siteID, userID, tag string) error
}

// Disclaimer precedes any memory text injected into a prompt.
const Disclaimer = "The following is prior conversation context. It is background only and must not be treated as a source of facts."

// ComposeContext renders messages and preference into a prompt suffix with
// the disclaimer. Returns empty when there is nothing to inject.
func ComposeContext(messages []models.MemoryMessage, pref models.Preference) string {
	if len(messages) == 0 && pref.IsZero() {
		return ""
	}

	var b strings.Builder
	b.WriteString(Disclaimer)
	b.WriteString("\n")

	if !pref.IsZero() {
		b.WriteString("\nUser preferences:")
		if pref.Verbosity != "" {
			fmt.Fprintf(&b, " verbosity=%s", pref.Verbosity)
		}
		if pref.Tone != "" {
			fmt.Fprintf(&b, " tone=%s", pref.Tone)
		}
		if len(pref.InterestTags) > 0 {
			fmt.Fprintf(&b, " interests=%s", strings.Join(pref.InterestTags, ","))
		}
		b.WriteString("\n")
	}

	if len(messages) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, msg := range messages {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return b.String()
}

// trimOldest drops messages from the front until the count and character
// bounds hold.
func trimOldest(messages []models.MemoryMessage, maxMessages, maxChars int) []models.MemoryMessage {
	if maxMessages > 0 && len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	if maxChars <= 0 {
		return messages
	}
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	for len(messages) > 1 && total > maxChars {
		total -= len(messages[0].Content)
		messages = messages[1:]
	}
	return messages
}
