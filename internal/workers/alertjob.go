package workers

import (
	"context"
	"errors"
	"time"

	"github.com/lorekeep/lorekeep/internal/alerts"
	"github.com/lorekeep/lorekeep/internal/observability"
	"github.com/lorekeep/lorekeep/internal/trace"
)

// SiteSource lists scopes with recent chat traffic. *trace.Ledger
// satisfies it.
type SiteSource interface {
	ActiveSites(ctx context.Context, since time.Time) ([]trace.SiteRef, error)
}

// AlertJob evaluates alert rules for every site with recent traffic.
type AlertJob struct {
	sites     SiteSource
	evaluator *alerts.Evaluator
	lookback  time.Duration
	logger    *observability.Logger
}

// NewAlertJob wires the evaluation job. lookback bounds which sites count
// as active.
func NewAlertJob(sites SiteSource, evaluator *alerts.Evaluator, lookback time.Duration, logger *observability.Logger) *AlertJob {
	if lookback <= 0 {
		lookback = time.Hour
	}
	return &AlertJob{sites: sites, evaluator: evaluator, lookback: lookback, logger: logger}
}

func (j *AlertJob) Name() string { return "alert-evaluation" }

// Run evaluates each active site once. Per-site failures are collected,
// not fatal, so one broken site cannot block the rest of the fleet.
func (j *AlertJob) Run(ctx context.Context) error {
	refs, err := j.sites.ActiveSites(ctx, time.Now().Add(-j.lookback))
	if err != nil {
		return err
	}
	refs = interleaveByTenant(refs, func(r trace.SiteRef) string { return r.TenantID })

	var errs []error
	for _, ref := range refs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := j.evaluator.EvaluateSite(ctx, ref.TenantID, ref.SiteID)
		if err != nil {
			j.logger.Warn(ctx, "alert evaluation failed", "tenant_id", ref.TenantID,
				"site_id", ref.SiteID, "error", err)
			errs = append(errs, err)
			continue
		}
		if len(report.NewlyFiring) > 0 || len(report.Resolved) > 0 {
			j.logger.Info(ctx, "alert evaluation reconciled", "tenant_id", ref.TenantID,
				"site_id", ref.SiteID, "newly_firing", report.NewlyFiring, "resolved", report.Resolved)
		}
	}
	return errors.Join(errs...)
}
