package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// job is a cron-scheduled task run between poll cycles.
type job struct {
	next     time.Time
	run      func(context.Context) error
	name     string
	expr     string
	disabled bool
}

// newJob schedules expr after now, in now's location.
func newJob(name, expr string, run func(context.Context) error, now time.Time) (*job, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("job %s: invalid cron expression %q", name, expr)
	}
	next, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", name, err)
	}
	return &job{name: name, expr: expr, run: run, next: next}, nil
}

// runJobs runs every job whose next tick has passed. A missed tick runs once,
// not once per missed tick.
func (m *Monitor) runJobs(ctx context.Context, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	now = now.In(m.loc)
	for _, j := range m.jobs {
		if j.disabled || now.Before(j.next) {
			continue
		}
		start := time.Now()
		if err := j.run(ctx); err != nil {
			m.logger.Warn("Scheduled job failed", "job", j.name, "error", err)
		} else {
			m.logger.Info("Scheduled job completed", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
		}

		next, err := gronx.NextTickAfter(j.expr, now, false)
		if err != nil {
			m.logger.Error("Failed to schedule job, disabling", "job", j.name, "error", err)
			j.disabled = true
			continue
		}
		j.next = next
	}
}

// reauthAll refreshes every account's token. Failures keep the old token.
func (m *Monitor) reauthAll(ctx context.Context) error {
	var errs []error
	for _, account := range m.accounts {
		if err := m.tokens.Refresh(ctx, account); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) reloadRules(context.Context) error {
	return m.rules.Reload()
}

// sendReport posts the day's translation usage and starts a new day.
func (m *Monitor) sendReport(ctx context.Context) error {
	if m.reporter == nil || m.usage == nil || m.reportWebhook == "" {
		return nil
	}
	if err := m.reporter.SendUsageReport(ctx, m.reportWebhook, m.usage.Snapshot()); err != nil {
		return fmt.Errorf("send usage report: %w", err)
	}
	m.usage.ResetDay()
	return m.usage.Flush(ctx)
}
