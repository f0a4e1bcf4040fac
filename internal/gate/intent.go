// Package gate decides whether a dialog turn may produce a grounded
// answer. It classifies intent, enforces citation requirements before the
// LLM runs, and scans the generated text for unsupported factual claims
// afterwards.
package gate

import (
	"context"
	"strings"
	"time"

	"github.com/lorekeep/lorekeep/internal/cache"
	"github.com/lorekeep/lorekeep/internal/llm"
	"github.com/lorekeep/lorekeep/internal/observability"
)

// Intent labels.
const (
	IntentFactSeeking        = "fact_seeking"
	IntentGreeting           = "greeting"
	IntentOutOfScope         = "out_of_scope"
	IntentContextPreference  = "context_preference"
	IntentClarifyingFollowUp = "clarifying_follow_up"
)

// Classification is the outcome of intent detection.
type Classification struct {
	Label          string  `json:"label"`
	Confidence     float64 `json:"confidence"`
	ClassifierType string  `json:"classifier_type"`
	Cached         bool    `json:"cached"`
}

// Classifier labels a user query with one of the five intents.
type Classifier interface {
	Classify(ctx context.Context, query string) Classification
}

// RuleClassifier matches keyword patterns from the gate policy. It is the
// always-available baseline the LLM classifier falls back to.
type RuleClassifier struct {
	keywords map[string][]string
}

// NewRuleClassifier builds a classifier from the intent_keywords section of
// a gate policy document. Unknown content falls back to built-in defaults.
func NewRuleClassifier(content map[string]any) *RuleClassifier {
	keywords := map[string][]string{}
	if raw, ok := content["intent_keywords"].(map[string]any); ok {
		for label, list := range raw {
			items, ok := list.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				if s, ok := item.(string); ok {
					keywords[label] = append(keywords[label], strings.ToLower(s))
				}
			}
		}
	}
	return &RuleClassifier{keywords: keywords}
}

// checkOrder is the precedence when several keyword sets match. Scope
// exclusions win, then greetings, then fact patterns.
var checkOrder = []string{
	IntentOutOfScope,
	IntentGreeting,
	IntentFactSeeking,
	IntentClarifyingFollowUp,
	IntentContextPreference,
}

// Classify labels the query. Queries matching nothing are treated as
// context_preference, the weakest claim about user intent.
func (c *RuleClassifier) Classify(ctx context.Context, query string) Classification {
	lowered := strings.ToLower(query)
	for _, label := range checkOrder {
		for _, kw := range c.keywords[label] {
			if strings.Contains(lowered, kw) {
				return Classification{Label: label, Confidence: 0.7, ClassifierType: "rule"}
			}
		}
	}
	if yearPattern.MatchString(query) || cePattern.MatchString(query) {
		return Classification{Label: IntentFactSeeking, Confidence: 0.6, ClassifierType: "rule"}
	}
	return Classification{Label: IntentContextPreference, Confidence: 0.3, ClassifierType: "rule"}
}

const llmClassifierTTL = 10 * time.Minute

// LLMClassifier asks a model for the intent label and caches the answer.
// Any failure falls back to the rule classifier.
type LLMClassifier struct {
	provider llm.Provider
	fallback Classifier
	cache    cache.Cache
	logger   *observability.Logger
}

// NewLLMClassifier wraps a provider with caching and a rule fallback.
func NewLLMClassifier(provider llm.Provider, fallback Classifier, c cache.Cache, logger *observability.Logger) *LLMClassifier {
	return &LLMClassifier{provider: provider, fallback: fallback, cache: c, logger: logger}
}

const classifierPrompt = `Classify the visitor's message into exactly one label:
fact_seeking, greeting, out_of_scope, context_preference, clarifying_follow_up.
Reply with the label only.`

// Classify returns the model's label, the cached label, or the rule
// fallback's label, in that order of preference.
func (c *LLMClassifier) Classify(ctx context.Context, query string) Classification {
	key := cache.Key("intent", "_", "_", "query", llm.RequestHash(llm.Request{SystemPrompt: classifierPrompt, UserMessage: query}))
	if c.cache != nil {
		var cached Classification
		if c.cache.Get(ctx, key, &cached) {
			cached.Cached = true
			return cached
		}
	}

	resp, err := c.provider.Generate(ctx, llm.Request{
		SystemPrompt: classifierPrompt,
		UserMessage:  query,
		MaxTokens:    10,
	})
	if err != nil {
		c.logger.Warn(ctx, "intent classifier degraded to rules", "error", err)
		return c.fallback.Classify(ctx, query)
	}

	label := strings.TrimSpace(strings.ToLower(resp.Text))
	if !validIntent(label) {
		return c.fallback.Classify(ctx, query)
	}

	result := Classification{Label: label, Confidence: 0.9, ClassifierType: "llm"}
	if c.cache != nil {
		c.cache.Set(ctx, key, result, llmClassifierTTL)
	}
	return result
}

func validIntent(label string) bool {
	switch label {
	case IntentFactSeeking, IntentGreeting, IntentOutOfScope, IntentContextPreference, IntentClarifyingFollowUp:
		return true
	}
	return false
}
