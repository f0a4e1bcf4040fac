package models

import "time"

// Persona describes who an NPC is and how it speaks.
type Persona struct {
	Identity      string `json:"identity,omitempty"`
	Personality   string `json:"personality,omitempty"`
	SpeakingStyle string `json:"speaking_style,omitempty"`
}

// NPCProfile is one published version of an NPC persona.
//
// Profiles are versioned: editing never mutates a published version, it
// creates a new one. At most one version is active per (tenant, site, npc).
type NPCProfile struct {
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id"`
	NPCID    string `json:"npc_id"`
	Version  int    `json:"version"`
	Active   bool   `json:"active"`

	DisplayName string   `json:"display_name"`
	Archetype   string   `json:"archetype,omitempty"`
	Persona     Persona  `json:"persona"`
	Domains     []string `json:"domains,omitempty"`

	GreetingTemplate string `json:"greeting_template,omitempty"`
	FallbackTemplate string `json:"fallback_template,omitempty"`

	MaxResponseLength int      `json:"max_response_length,omitempty"`
	ForbiddenTopics   []string `json:"forbidden_topics,omitempty"`
	MustCite          bool     `json:"must_cite,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// PromptType distinguishes the prompts an NPC carries.
type PromptType string

const (
	PromptTypeSystem   PromptType = "system"
	PromptTypeGreeting PromptType = "greeting"
	PromptTypeFallback PromptType = "fallback"
)

// PromptPolicy is the per-prompt guardrail configuration.
type PromptPolicy struct {
	RequireCitations     bool     `json:"require_citations,omitempty"`
	MaxResponseLength    int      `json:"max_response_length,omitempty"`
	ForbiddenTopics      []string `json:"forbidden_topics,omitempty"`
	ConservativeTemplate string   `json:"conservative_template,omitempty"`
}

// Prompt is one version of an NPC prompt. Version is a monotone integer per
// (tenant, site, npc, prompt_type); at most one version is active.
type Prompt struct {
	TenantID   string       `json:"tenant_id"`
	SiteID     string       `json:"site_id"`
	NPCID      string       `json:"npc_id"`
	PromptType PromptType   `json:"prompt_type"`
	Version    int          `json:"version"`
	Active     bool         `json:"active"`
	Text       string       `json:"text"`
	Policy     PromptPolicy `json:"policy"`
	CreatedAt  time.Time    `json:"created_at"`
}

// PromptSource records where the dialog runtime resolved its prompt from.
type PromptSource string

const (
	PromptSourceRegistry PromptSource = "prompt_registry"
	PromptSourceProfile  PromptSource = "npc_profile"
	PromptSourceFallback PromptSource = "fallback"
)
