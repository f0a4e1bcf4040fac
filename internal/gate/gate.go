package gate

import (
	"context"
	"fmt"
	"regexp"

	"github.com/lorekeep/lorekeep/pkg/models"
)

// DefaultMinCitations is the citation floor for fact-seeking queries.
const DefaultMinCitations = 1

// Forbidden factual assertion patterns. The list is closed: a response is
// downgraded only when one of these shapes appears unsupported.
var (
	cePattern          = regexp.MustCompile(`公元前?\d{1,4}年`)
	cnYearPattern      = regexp.MustCompile(`\d{3,4}\s*年`)
	westernYearPattern = regexp.MustCompile(`\b\d{3,4}\s*(?:AD|BC|CE|BCE)\b|\b1\d{3}\b|\b20\d{2}\b`)
	agoPattern         = regexp.MustCompile(`距今\d+多?年`)
	generationPattern  = regexp.MustCompile(`第\d+[代世]`)
	reignPattern       = regexp.MustCompile(`(?:洪武|永乐|宣德|正统|嘉靖|万历|崇祯|顺治|康熙|雍正|乾隆|嘉庆|道光|光绪|宣统|贞观|开元|天宝)(?:\d{1,2}年)?`)
)

var assertionPatterns = []*regexp.Regexp{
	cePattern,
	agoPattern,
	cnYearPattern,
	westernYearPattern,
	generationPattern,
	reignPattern,
}

// yearPattern is shared with the rule classifier for date-mention detection.
var yearPattern = cnYearPattern

// CheckResult is the outcome of one gate check.
type CheckResult struct {
	Passed              bool              `json:"passed"`
	PolicyMode          models.PolicyMode `json:"policy_mode"`
	Reason              string            `json:"reason,omitempty"`
	RequiresFiltering   bool              `json:"requires_filtering,omitempty"`
	ForbiddenAssertions []string          `json:"forbidden_assertions,omitempty"`
	Intent              Classification    `json:"intent"`
}

// Gate enforces the evidence policy around the LLM call.
type Gate struct {
	classifier   Classifier
	minCitations int
	templates    map[string]string
}

// New builds a gate from a classifier and the active gate policy content.
func New(classifier Classifier, policy map[string]any) *Gate {
	g := &Gate{
		classifier:   classifier,
		minCitations: DefaultMinCitations,
		templates:    map[string]string{},
	}
	if policy != nil {
		if v, ok := policy["min_citations_for_fact"].(float64); ok && v >= 0 {
			g.minCitations = int(v)
		}
		if raw, ok := policy["conservative_templates"].(map[string]any); ok {
			for intent, text := range raw {
				if s, ok := text.(string); ok {
					g.templates[intent] = s
				}
			}
		}
	}
	return g
}

// CheckBeforeLLM classifies the query and decides whether generation may
// proceed in normal mode.
func (g *Gate) CheckBeforeLLM(ctx context.Context, query string, citations []models.Citation) CheckResult {
	intent := g.classifier.Classify(ctx, query)

	switch intent.Label {
	case IntentFactSeeking:
		if len(citations) < g.minCitations {
			return CheckResult{
				Passed:     false,
				PolicyMode: models.PolicyModeConservative,
				Reason:     fmt.Sprintf("fact-seeking query has %d citations, needs %d", len(citations), g.minCitations),
				Intent:     intent,
			}
		}
		return CheckResult{Passed: true, PolicyMode: models.PolicyModeNormal, Intent: intent}
	case IntentGreeting:
		return CheckResult{Passed: true, PolicyMode: models.PolicyModeNormal, Intent: intent}
	case IntentOutOfScope:
		return CheckResult{
			Passed:     false,
			PolicyMode: models.PolicyModeConservative,
			Reason:     "query is out of scope for this site",
			Intent:     intent,
		}
	default:
		// context_preference and clarifying_follow_up pass, but the
		// response must be scanned for unsupported claims.
		return CheckResult{
			Passed:            true,
			PolicyMode:        models.PolicyModeNormal,
			RequiresFiltering: true,
			Intent:            intent,
		}
	}
}

// CheckAfterLLM scans the generated text for forbidden factual assertions.
// It only downgrades when the intent made no factual promise, no citations
// back the text, and an assertion pattern still fired.
func (g *Gate) CheckAfterLLM(query, responseText string, citations []models.Citation, intent Classification) CheckResult {
	assertions := FindForbiddenAssertions(responseText)
	if intent.Label == IntentContextPreference && len(citations) == 0 && len(assertions) > 0 {
		return CheckResult{
			Passed:              false,
			PolicyMode:          models.PolicyModeConservative,
			Reason:              "response asserts facts without citations",
			ForbiddenAssertions: assertions,
			Intent:              intent,
		}
	}
	return CheckResult{Passed: true, PolicyMode: models.PolicyModeNormal, Intent: intent}
}

// FindForbiddenAssertions returns every assertion-pattern match in order of
// pattern precedence.
func FindForbiddenAssertions(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, pattern := range assertionPatterns {
		for _, match := range pattern.FindAllString(text, -1) {
			if !seen[match] {
				seen[match] = true
				out = append(out, match)
			}
		}
	}
	return out
}

// Filter blurs dates and reign names in a downgraded response.
func Filter(text string) string {
	for _, pattern := range []*regexp.Regexp{cePattern, agoPattern, cnYearPattern, westernYearPattern} {
		text = pattern.ReplaceAllString(text, "many years ago")
	}
	for _, pattern := range []*regexp.Regexp{generationPattern, reignPattern} {
		text = pattern.ReplaceAllString(text, "some point in the dynasty")
	}
	return text
}

// ConservativeText picks the downgrade response: the active prompt's own
// template first, then the policy's intent-specific template, then the
// policy default, then a built-in line.
func (g *Gate) ConservativeText(promptTemplate, intent string) string {
	if promptTemplate != "" {
		return promptTemplate
	}
	if text, ok := g.templates[intent]; ok {
		return text
	}
	if text, ok := g.templates["default"]; ok {
		return text
	}
	return "I would rather not guess at that. Ask me something I can back up with our records."
}
