package models

import "time"

// AlertSeverity orders alert rules for notification decisions.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityHigh     AlertSeverity = "high"
	SeverityMedium   AlertSeverity = "medium"
	SeverityLow      AlertSeverity = "low"
)

// AlertRule is one threshold rule loaded from a versioned policy document.
type AlertRule struct {
	Code               string        `json:"code"`
	Name               string        `json:"name"`
	Category           string        `json:"category,omitempty"`
	Severity           AlertSeverity `json:"severity"`
	Metric             string        `json:"metric"`
	Condition          string        `json:"condition"`
	Threshold          float64       `json:"threshold"`
	Unit               string        `json:"unit,omitempty"`
	Window             string        `json:"window"`
	RecommendedActions []string      `json:"recommended_actions,omitempty"`
}

// Alert is one firing rule evaluation before reconciliation.
type Alert struct {
	Rule         AlertRule `json:"rule"`
	TenantID     string    `json:"tenant_id"`
	SiteID       string    `json:"site_id"`
	CurrentValue float64   `json:"current_value"`
	Silenced     bool      `json:"silenced,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// DedupKey identifies one firing condition so repeated evaluations do not
// re-notify. Format: tenant|site|alert_code|window.
func (a Alert) DedupKey() string {
	return a.TenantID + "|" + a.SiteID + "|" + a.Rule.Code + "|" + a.Rule.Window
}

// AlertEventStatus is the reconciliation state of a stored alert event.
type AlertEventStatus string

const (
	AlertFiring   AlertEventStatus = "firing"
	AlertResolved AlertEventStatus = "resolved"
)

// AlertEvent is the stored record of one firing episode, keyed by the
// dedup key (tenant, site, alert_code, window).
type AlertEvent struct {
	ID           int64            `json:"id"`
	TenantID     string           `json:"tenant_id"`
	SiteID       string           `json:"site_id"`
	AlertCode    string           `json:"alert_code"`
	Window       string           `json:"window"`
	Severity     AlertSeverity    `json:"severity"`
	Status       AlertEventStatus `json:"status"`
	CurrentValue float64          `json:"current_value"`
	Threshold    float64          `json:"threshold"`
	FirstSeenAt  time.Time        `json:"first_seen_at"`
	LastSeenAt   time.Time        `json:"last_seen_at"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
	WebhookSent  string           `json:"webhook_sent,omitempty"`
	ReleaseID    string           `json:"release_id,omitempty"`
	ExperimentID string           `json:"experiment_id,omitempty"`
}

// AlertSilence suppresses matching alerts inside a time window. Empty
// matchers match everything.
type AlertSilence struct {
	ID        int64         `json:"id"`
	TenantID  string        `json:"tenant_id"`
	SiteID    string        `json:"site_id"`
	Code      string        `json:"code,omitempty"`
	Severity  AlertSeverity `json:"severity,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	StartsAt  time.Time     `json:"starts_at"`
	EndsAt    time.Time     `json:"ends_at"`
	CreatedAt time.Time     `json:"created_at"`
}

// Matches reports whether the silence suppresses the alert at the given time.
func (s AlertSilence) Matches(a Alert, now time.Time) bool {
	if now.Before(s.StartsAt) || now.After(s.EndsAt) {
		return false
	}
	if s.TenantID != "" && s.TenantID != a.TenantID {
		return false
	}
	if s.SiteID != "" && s.SiteID != a.SiteID {
		return false
	}
	if s.Code != "" && s.Code != a.Rule.Code {
		return false
	}
	if s.Severity != "" && s.Severity != a.Rule.Severity {
		return false
	}
	return true
}
