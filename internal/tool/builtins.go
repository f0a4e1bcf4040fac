package tool

import (
	"context"
	"fmt"

	"github.com/lorekeep/lorekeep/internal/evidence"
	"github.com/lorekeep/lorekeep/pkg/models"
)

// EvidenceRetriever is the retrieval surface the retrieve_evidence tool
// wraps. It never returns an error.
type EvidenceRetriever interface {
	Retrieve(ctx context.Context, q evidence.Query) models.RetrievalResult
}

// SiteMapProvider returns the composition of one site.
type SiteMapProvider interface {
	SiteMap(ctx context.Context, tenantID, siteID string) (models.SiteMap, error)
}

// Builtins bundles the dependencies of the builtin tool set.
type Builtins struct {
	Store     *RegistryStore
	Retriever EvidenceRetriever
	SiteMaps  SiteMapProvider
}

// RegisterBuiltins registers the platform tool set on the registry.
func RegisterBuiltins(r *Registry, deps Builtins) error {
	tools := []struct {
		def     Definition
		handler Handler
	}{
		{
			def: Definition{
				Name:        "get_npc_profile",
				Description: "Fetch an NPC profile, active version by default.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"npc_id": {"type": "string", "minLength": 1},
						"version": {"type": "integer", "minimum": 1}
					},
					"required": ["npc_id"]
				}`,
				Category:       "registry",
				AICallable:     false,
				TimeoutSeconds: 5,
			},
			handler: deps.getNPCProfile,
		},
		{
			def: Definition{
				Name:        "get_prompt_active",
				Description: "Resolve the active prompt of one type, falling back to the persona when the registry has none.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"npc_id": {"type": "string", "minLength": 1},
						"prompt_type": {"type": "string", "enum": ["system", "greeting", "fallback"]}
					},
					"required": ["npc_id", "prompt_type"]
				}`,
				Category:       "registry",
				AICallable:     false,
				TimeoutSeconds: 5,
			},
			handler: deps.getPromptActive,
		},
		{
			def: Definition{
				Name:        "search_content",
				Description: "Substring search over editorial content.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"query": {"type": "string", "minLength": 1},
						"content_type": {"type": "string"},
						"tags": {"type": "array", "items": {"type": "string"}},
						"limit": {"type": "integer", "minimum": 1, "maximum": 50}
					},
					"required": ["query"]
				}`,
				Category:       "content",
				AICallable:     true,
				TimeoutSeconds: 5,
			},
			handler: deps.searchContent,
		},
		{
			def: Definition{
				Name:        "get_site_map",
				Description: "Return the site composition.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"include_pois": {"type": "boolean"},
						"include_routes": {"type": "boolean"}
					}
				}`,
				Category:       "content",
				AICallable:     true,
				TimeoutSeconds: 5,
			},
			handler: deps.getSiteMap,
		},
		{
			def: Definition{
				Name:        "create_draft_content",
				Description: "Create editorial content; the result is always a draft.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"content_type": {"type": "string", "minLength": 1},
						"title": {"type": "string", "minLength": 1},
						"body": {"type": "string", "minLength": 1},
						"summary": {"type": "string"},
						"tags": {"type": "array", "items": {"type": "string"}},
						"domains": {"type": "array", "items": {"type": "string"}},
						"source": {"type": "string"}
					},
					"required": ["content_type", "title", "body"]
				}`,
				Category:       "content",
				AICallable:     false,
				TimeoutSeconds: 5,
			},
			handler: deps.createDraftContent,
		},
		{
			def: Definition{
				Name:        "log_user_event",
				Description: "Append one analytic event.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"event_type": {"type": "string", "minLength": 1},
						"event_data": {"type": "object"}
					},
					"required": ["event_type"]
				}`,
				Category:       "analytics",
				AICallable:     false,
				TimeoutSeconds: 3,
			},
			handler: deps.logUserEvent,
		},
		{
			def: Definition{
				Name:        "retrieve_evidence",
				Description: "Retrieve citable evidence; degrades instead of failing.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"query": {"type": "string", "minLength": 1},
						"strategy": {"type": "string", "enum": ["like", "trgm", "qdrant", "hybrid"]},
						"limit": {"type": "integer", "minimum": 1, "maximum": 50},
						"min_score": {"type": "number", "minimum": 0, "maximum": 1},
						"domains": {"type": "array", "items": {"type": "string"}},
						"use_trgm": {"type": "boolean"}
					},
					"required": ["query"]
				}`,
				Category:         "retrieval",
				RequiresEvidence: true,
				AICallable:       true,
				TimeoutSeconds:   10,
			},
			handler: deps.retrieveEvidence,
		},
		{
			def: Definition{
				Name:        "submit_feedback",
				Description: "File a feedback report against a trace.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"trace_id": {"type": "string"},
						"feedback_type": {"type": "string", "minLength": 1},
						"severity": {"type": "string", "enum": ["low", "medium", "high"]},
						"content": {"type": "string", "minLength": 1}
					},
					"required": ["feedback_type", "severity", "content"]
				}`,
				Category:       "feedback",
				AICallable:     false,
				TimeoutSeconds: 5,
			},
			handler: deps.submitFeedback,
		},
		{
			def: Definition{
				Name:        "list_feedback",
				Description: "List feedback reports, newest first.",
				InputSchema: `{
					"type": "object",
					"properties": {
						"status": {"type": "string"},
						"feedback_type": {"type": "string"},
						"severity": {"type": "string"},
						"limit": {"type": "integer", "minimum": 1, "maximum": 100}
					}
				}`,
				Category:       "feedback",
				AICallable:     false,
				TimeoutSeconds: 5,
			},
			handler: deps.listFeedback,
		},
	}

	for _, t := range tools {
		if err := r.Register(t.def, t.handler); err != nil {
			return err
		}
	}
	return nil
}

func (b Builtins) getNPCProfile(ctx context.Context, tc Context, input map[string]any) (any, error) {
	npcID := stringArg(input, "npc_id")
	version := intArg(input, "version")
	return b.Store.NPCProfile(ctx, tc.TenantID, tc.SiteID, npcID, version)
}

func (b Builtins) getPromptActive(ctx context.Context, tc Context, input map[string]any) (any, error) {
	npcID := stringArg(input, "npc_id")
	promptType := models.PromptType(stringArg(input, "prompt_type"))

	prompt, err := b.Store.ActivePrompt(ctx, tc.TenantID, tc.SiteID, npcID, promptType)
	if err == nil {
		return activePromptOutput{
			PromptText: prompt.Text,
			PromptType: promptType,
			Version:    prompt.Version,
			Source:     models.PromptSourceRegistry,
			Policy:     prompt.Policy,
		}, nil
	}

	// No registered prompt: derive one from the active persona.
	profile, profileErr := b.Store.NPCProfile(ctx, tc.TenantID, tc.SiteID, npcID, 0)
	if profileErr == nil {
		if text := promptFromProfile(profile, promptType); text != "" {
			return activePromptOutput{
				PromptText: text,
				PromptType: promptType,
				Version:    profile.Version,
				Source:     models.PromptSourceProfile,
			}, nil
		}
	}

	return activePromptOutput{
		PromptText: defaultPromptText(promptType),
		PromptType: promptType,
		Source:     models.PromptSourceFallback,
	}, nil
}

type activePromptOutput struct {
	PromptText string              `json:"prompt_text"`
	PromptType models.PromptType   `json:"prompt_type"`
	Version    int                 `json:"version,omitempty"`
	Source     models.PromptSource `json:"source"`
	Policy     models.PromptPolicy `json:"policy,omitempty"`
}

func promptFromProfile(profile models.NPCProfile, promptType models.PromptType) string {
	switch promptType {
	case models.PromptTypeGreeting:
		return profile.GreetingTemplate
	case models.PromptTypeFallback:
		return profile.FallbackTemplate
	case models.PromptTypeSystem:
		p := profile.Persona
		if p.Identity == "" {
			return ""
		}
		text := fmt.Sprintf("You are %s. %s", profile.DisplayName, p.Identity)
		if p.Personality != "" {
			text += " " + p.Personality
		}
		if p.SpeakingStyle != "" {
			text += " Speaking style: " + p.SpeakingStyle
		}
		return text
	}
	return ""
}

func defaultPromptText(promptType models.PromptType) string {
	switch promptType {
	case models.PromptTypeGreeting:
		return "Hello! What would you like to know?"
	case models.PromptTypeFallback:
		return "I am not certain about that. Let me point you to a guide who would know."
	default:
		return "You are a helpful site guide. Answer only from the evidence provided, and say so when the evidence does not cover the question."
	}
}

func (b Builtins) searchContent(ctx context.Context, tc Context, input map[string]any) (any, error) {
	results, err := b.Store.SearchContent(ctx, tc.TenantID, tc.SiteID,
		stringArg(input, "query"), stringArg(input, "content_type"), intArg(input, "limit"))
	if err != nil {
		return nil, err
	}
	if tags := stringsArg(input, "tags"); len(tags) > 0 {
		results = filterByTags(results, tags)
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

func filterByTags(contents []models.Content, tags []string) []models.Content {
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	out := []models.Content{}
	for _, c := range contents {
		for _, t := range c.Tags {
			if want[t] {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func (b Builtins) getSiteMap(ctx context.Context, tc Context, input map[string]any) (any, error) {
	siteMap, err := b.SiteMaps.SiteMap(ctx, tc.TenantID, tc.SiteID)
	if err != nil {
		return nil, err
	}
	if v, ok := input["include_pois"].(bool); ok && !v {
		siteMap.POIs = nil
	}
	if v, ok := input["include_routes"].(bool); ok && !v {
		siteMap.Routes = nil
	}
	return siteMap, nil
}

func (b Builtins) createDraftContent(ctx context.Context, tc Context, input map[string]any) (any, error) {
	return b.Store.CreateDraftContent(ctx, models.Content{
		TenantID:    tc.TenantID,
		SiteID:      tc.SiteID,
		ContentType: stringArg(input, "content_type"),
		Title:       stringArg(input, "title"),
		Body:        stringArg(input, "body"),
		Summary:     stringArg(input, "summary"),
		Tags:        stringsArg(input, "tags"),
		Domains:     stringsArg(input, "domains"),
		Source:      stringArg(input, "source"),
	})
}

func (b Builtins) logUserEvent(ctx context.Context, tc Context, input map[string]any) (any, error) {
	data, _ := input["event_data"].(map[string]any)
	err := b.Store.LogUserEvent(ctx, models.UserEvent{
		TenantID:  tc.TenantID,
		SiteID:    tc.SiteID,
		SessionID: tc.SessionID,
		UserID:    tc.UserID,
		EventType: stringArg(input, "event_type"),
		EventData: data,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"logged": true}, nil
}

func (b Builtins) retrieveEvidence(ctx context.Context, tc Context, input map[string]any) (any, error) {
	strategy := models.RetrievalStrategy(stringArg(input, "strategy"))
	if useTRGM, ok := input["use_trgm"].(bool); ok && useTRGM && strategy == "" {
		strategy = models.StrategyTRGM
	}

	result := b.Retriever.Retrieve(ctx, evidence.Query{
		TenantID: tc.TenantID,
		SiteID:   tc.SiteID,
		Query:    stringArg(input, "query"),
		Strategy: strategy,
		Limit:    intArg(input, "limit"),
		MinScore: floatArg(input, "min_score"),
		Domains:  stringsArg(input, "domains"),
	})
	return result, nil
}

func (b Builtins) submitFeedback(ctx context.Context, tc Context, input map[string]any) (any, error) {
	return b.Store.SubmitFeedback(ctx, models.Feedback{
		TenantID:     tc.TenantID,
		SiteID:       tc.SiteID,
		TraceID:      stringArg(input, "trace_id"),
		FeedbackType: stringArg(input, "feedback_type"),
		Severity:     stringArg(input, "severity"),
		Content:      stringArg(input, "content"),
	})
}

func (b Builtins) listFeedback(ctx context.Context, tc Context, input map[string]any) (any, error) {
	items, err := b.Store.ListFeedback(ctx, tc.TenantID, tc.SiteID,
		stringArg(input, "status"), stringArg(input, "feedback_type"),
		stringArg(input, "severity"), intArg(input, "limit"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func intArg(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func floatArg(input map[string]any, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func stringsArg(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
