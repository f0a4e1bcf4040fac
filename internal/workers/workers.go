// Package workers runs the periodic background jobs: alert evaluation,
// vector index backfill, and embedding refresh. Jobs iterate sites in a
// tenant-fair order and bound their batch sizes so they never starve the
// request path.
package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lorekeep/lorekeep/internal/observability"
)

// Job is one periodic unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner schedules jobs on a shared cron. Overlapping runs of the same job
// are skipped rather than queued.
type Runner struct {
	cron       *cron.Cron
	logger     *observability.Logger
	jobTimeout time.Duration
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithJobTimeout bounds a single job invocation.
func WithJobTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.jobTimeout = d }
}

// NewRunner builds an empty scheduler.
func NewRunner(logger *observability.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:     logger,
		jobTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add schedules a job. spec accepts standard cron expressions and the
// @every descriptors.
func (r *Runner) Add(spec string, job Job) error {
	_, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
		defer cancel()

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			r.logger.Error(ctx, "background job failed", "job", job.Name(), "error", err)
			return
		}
		r.logger.Debug(ctx, "background job finished", "job", job.Name(),
			"duration_ms", time.Since(start).Milliseconds())
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name(), err)
	}
	return nil
}

// Start launches the scheduler.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// interleaveByTenant reorders site refs so consecutive entries rotate
// across tenants. Input order within a tenant is preserved.
func interleaveByTenant[T any](refs []T, tenantOf func(T) string) []T {
	byTenant := map[string][]T{}
	order := []string{}
	for _, ref := range refs {
		tenant := tenantOf(ref)
		if _, ok := byTenant[tenant]; !ok {
			order = append(order, tenant)
		}
		byTenant[tenant] = append(byTenant[tenant], ref)
	}

	out := make([]T, 0, len(refs))
	for round := 0; len(out) < len(refs); round++ {
		for _, tenant := range order {
			if sites := byTenant[tenant]; round < len(sites) {
				out = append(out, sites[round])
			}
		}
	}
	return out
}
