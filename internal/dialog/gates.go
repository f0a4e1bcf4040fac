package dialog

import (
	"context"

	"github.com/lorekeep/lorekeep/internal/gate"
	"github.com/lorekeep/lorekeep/internal/observability"
)

const gatePolicyName = "evidence_gate"

// PolicyGates builds per-site evidence gates from the active gate policy.
// The policy store seeds a default document on first read, so a missing
// policy only happens when the store itself is down; that degrades to a
// gate with built-in defaults.
type PolicyGates struct {
	policies   PolicySource
	classifier gate.Classifier
	logger     *observability.Logger
}

// NewPolicyGates wires the gate source. classifier may be nil, in which
// case each gate gets a rule classifier derived from the policy document.
func NewPolicyGates(policies PolicySource, classifier gate.Classifier, logger *observability.Logger) *PolicyGates {
	return &PolicyGates{policies: policies, classifier: classifier, logger: logger}
}

// GateFor returns the gate for one site. Never nil.
func (p *PolicyGates) GateFor(ctx context.Context, tenantID, siteID string) *gate.Gate {
	var content map[string]any
	if p.policies != nil {
		pv, err := p.policies.Active(ctx, tenantID, siteID, gatePolicyName)
		if err != nil {
			p.logger.Warn(ctx, "gate policy unavailable, using defaults", "tenant_id", tenantID, "site_id", siteID, "error", err)
		} else {
			content = pv.Content
		}
	}
	classifier := p.classifier
	if classifier == nil {
		classifier = gate.NewRuleClassifier(content)
	}
	return gate.New(classifier, content)
}
