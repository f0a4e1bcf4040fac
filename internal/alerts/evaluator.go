package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/pkg/models"
)

const rulesPolicyName = "alerts"

// MetricsSource reads windowed trace metrics. *trace.Ledger satisfies it.
type MetricsSource interface {
	Metrics(ctx context.Context, filter models.TraceFilter) (models.TraceMetrics, error)
}

// PolicySource reads the versioned rule document.
type PolicySource interface {
	Active(ctx context.Context, tenantID, siteID, name string) (models.PolicyVersion, error)
}

// ReleaseSource supplies release context for event snapshots. Optional.
type ReleaseSource interface {
	Active(ctx context.Context, tenantID, siteID string) (models.Release, error)
}

// rulesDocument is the shape of the alerts policy content.
type rulesDocument struct {
	WindowMinutes int                `json:"window_minutes"`
	MinTurns      int                `json:"min_turns"`
	Rules         []models.AlertRule `json:"rules"`
}

// Report summarizes one evaluation pass over a site.
type Report struct {
	TenantID    string         `json:"tenant_id"`
	SiteID      string         `json:"site_id"`
	Turns       int            `json:"turns"`
	Skipped     bool           `json:"skipped,omitempty"`
	Firing      []models.Alert `json:"firing"`
	Silenced    int            `json:"silenced"`
	NewlyFiring []string       `json:"newly_firing"`
	Resolved    []string       `json:"resolved"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}

// Evaluator runs the rule document against ledger metrics and reconciles
// stored episodes.
type Evaluator struct {
	policies PolicySource
	metrics  MetricsSource
	events   *EventStore
	releases ReleaseSource
	notifier Notifier
	logger   *observability.Logger
	obs      *observability.Metrics
	now      func() time.Time
}

// EvaluatorOption customizes an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithNotifier enables webhook dispatch for new critical and high alerts.
func WithNotifier(n Notifier) EvaluatorOption {
	return func(e *Evaluator) { e.notifier = n }
}

// WithReleaseContext stamps events with the active release and experiment.
func WithReleaseContext(releases ReleaseSource) EvaluatorOption {
	return func(e *Evaluator) { e.releases = releases }
}

// WithObservability attaches alert metrics.
func WithObservability(m *observability.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.obs = m }
}

// NewEvaluator wires the evaluator.
func NewEvaluator(policies PolicySource, metrics MetricsSource, events *EventStore, logger *observability.Logger, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		policies: policies,
		metrics:  metrics,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EvaluateSite runs one pass for one site: load rules, fetch windowed
// metrics, compare, apply silences, reconcile episodes, notify.
func (e *Evaluator) EvaluateSite(ctx context.Context, tenantID, siteID string) (Report, error) {
	now := e.now().UTC()
	report := Report{TenantID: tenantID, SiteID: siteID, Firing: []models.Alert{},
		NewlyFiring: []string{}, Resolved: []string{}, EvaluatedAt: now}

	doc, err := e.loadRules(ctx, tenantID, siteID)
	if err != nil {
		return report, err
	}

	window := time.Duration(doc.WindowMinutes) * time.Minute
	metrics, err := e.metrics.Metrics(ctx, models.TraceFilter{
		TenantID: tenantID,
		SiteID:   siteID,
		Since:    now.Add(-window),
	})
	if err != nil {
		return report, fmt.Errorf("fetch metrics: %w", err)
	}
	report.Turns = metrics.Turns

	// Too few turns make every rate metric noise. Leave existing episodes
	// untouched so a quiet period does not auto-resolve them.
	if metrics.Turns < doc.MinTurns {
		report.Skipped = true
		return report, nil
	}

	silences, err := e.events.ActiveSilences(ctx, tenantID, siteID, now)
	if err != nil {
		e.logger.Warn(ctx, "silence lookup failed, treating all alerts as active", "error", err)
		silences = nil
	}

	for _, rule := range doc.Rules {
		value, ok := metricValue(metrics, rule.Metric)
		if !ok {
			e.logger.Warn(ctx, "alert rule names unknown metric", "code", rule.Code, "metric", rule.Metric)
			continue
		}
		if !compare(value, rule.Condition, rule.Threshold) {
			continue
		}
		alert := models.Alert{
			Rule:         rule,
			TenantID:     tenantID,
			SiteID:       siteID,
			CurrentValue: value,
			EvaluatedAt:  now,
		}
		for _, silence := range silences {
			if silence.Matches(alert, now) {
				alert.Silenced = true
				report.Silenced++
				break
			}
		}
		report.Firing = append(report.Firing, alert)
	}

	releaseID, experimentID := e.releaseContext(ctx, tenantID, siteID)
	if err := e.reconcile(ctx, &report, releaseID, experimentID); err != nil {
		return report, err
	}
	return report, nil
}

// reconcile lands the pass in alert_events: new episodes insert and notify,
// continuing episodes refresh, vanished episodes resolve.
func (e *Evaluator) reconcile(ctx context.Context, report *Report, releaseID, experimentID string) error {
	stored, err := e.events.Firing(ctx, report.TenantID, report.SiteID)
	if err != nil {
		return fmt.Errorf("load firing events: %w", err)
	}

	seen := map[string]bool{}
	for _, alert := range report.Firing {
		seen[alert.Rule.Code+"|"+alert.Rule.Window] = true
		isNew, eventID, err := e.events.MarkFiring(ctx, alert, releaseID, experimentID)
		if err != nil {
			return err
		}
		if !isNew {
			continue
		}
		report.NewlyFiring = append(report.NewlyFiring, alert.Rule.Code)
		if e.obs != nil {
			e.obs.AlertsFiring.WithLabelValues(alert.Rule.Code, string(alert.Rule.Severity)).Inc()
		}
		e.notify(ctx, alert, eventID)
	}

	for _, event := range stored {
		if seen[event.AlertCode+"|"+event.Window] {
			continue
		}
		if err := e.events.Resolve(ctx, event.ID); err != nil {
			return err
		}
		report.Resolved = append(report.Resolved, event.AlertCode)
		e.logger.Info(ctx, "alert resolved", "code", event.AlertCode,
			"tenant_id", event.TenantID, "site_id", event.SiteID)
	}
	return nil
}

// notify dispatches the webhook for a new episode. Only critical and high
// severities go out; silenced alerts and lower severities are skipped.
func (e *Evaluator) notify(ctx context.Context, alert models.Alert, eventID int64) {
	status := WebhookSkipped
	notifiable := alert.Rule.Severity == models.SeverityCritical || alert.Rule.Severity == models.SeverityHigh
	if e.notifier != nil && notifiable && !alert.Silenced {
		if err := e.notifier.Notify(ctx, alert); err != nil {
			e.logger.Error(ctx, "alert webhook failed", "code", alert.Rule.Code, "error", err)
			status = WebhookFailed
		} else {
			status = WebhookSent
		}
	}
	if err := e.events.SetWebhookStatus(ctx, eventID, status); err != nil {
		e.logger.Warn(ctx, "webhook status stamp failed", "event_id", eventID, "error", err)
	}
}

func (e *Evaluator) releaseContext(ctx context.Context, tenantID, siteID string) (string, string) {
	if e.releases == nil {
		return "", ""
	}
	rel, err := e.releases.Active(ctx, tenantID, siteID)
	if err != nil {
		return "", ""
	}
	return rel.ID, rel.Payload.ExperimentID
}

func (e *Evaluator) loadRules(ctx context.Context, tenantID, siteID string) (rulesDocument, error) {
	pv, err := e.policies.Active(ctx, tenantID, siteID, rulesPolicyName)
	if err != nil {
		return rulesDocument{}, fmt.Errorf("load alert rules: %w", err)
	}
	data, err := json.Marshal(pv.Content)
	if err != nil {
		return rulesDocument{}, err
	}
	var doc rulesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return rulesDocument{}, fmt.Errorf("decode alert rules: %w", err)
	}
	if doc.WindowMinutes <= 0 {
		doc.WindowMinutes = 15
	}
	return doc, nil
}

func metricValue(m models.TraceMetrics, name string) (float64, bool) {
	switch name {
	case "turns":
		return float64(m.Turns), true
	case "success_rate":
		return m.SuccessRate, true
	case "fallback_rate":
		return m.FallbackRate, true
	case "conservative_rate":
		return m.ConservativeRate, true
	case "refuse_rate":
		return m.RefuseRate, true
	case "citation_rate":
		return m.CitationRate, true
	case "avg_latency_ms":
		return m.AvgLatencyMS, true
	case "p95_latency_ms":
		return m.P95LatencyMS, true
	}
	return 0, false
}

func compare(value float64, condition string, threshold float64) bool {
	switch condition {
	case ">", "gt":
		return value > threshold
	case "<", "lt":
		return value < threshold
	case ">=", "gte":
		return value >= threshold
	case "<=", "lte":
		return value <= threshold
	case "==", "eq":
		return value == threshold
	}
	return false
}
