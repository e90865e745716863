// Package archive runs the periodic move of old step and audit history to
// object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

// Result counts the records archived by one run.
type Result struct {
	Cutoff      time.Time
	LoopSteps   int64
	UnwindSteps int64
	Audit       int64
}

// Job archives history older than the retention window.
type Job struct {
	archiver      domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewJob creates a Job. retentionDays below one is treated as one.
func NewJob(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *Job {
	if retentionDays < 1 {
		retentionDays = 1
	}
	return &Job{
		archiver:      archiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive")),
		now:           time.Now,
	}
}

// Run executes a single archive run. Every kind is attempted even when an
// earlier one fails; the failures are joined.
func (j *Job) Run(ctx context.Context) (Result, error) {
	res := Result{Cutoff: j.now().UTC().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)}
	j.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", res.Cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	var errs []error
	var err error
	if res.LoopSteps, err = j.archiver.ArchiveSteps(ctx, res.Cutoff); err != nil {
		errs = append(errs, fmt.Errorf("archive: loop steps: %w", err))
	}
	if res.UnwindSteps, err = j.archiver.ArchiveUnwindSteps(ctx, res.Cutoff); err != nil {
		errs = append(errs, fmt.Errorf("archive: unwind steps: %w", err))
	}
	if res.Audit, err = j.archiver.ArchiveAudit(ctx, res.Cutoff); err != nil {
		errs = append(errs, fmt.Errorf("archive: audit: %w", err))
	}

	j.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("loop_steps", res.LoopSteps),
		slog.Int64("unwind_steps", res.UnwindSteps),
		slog.Int64("audit", res.Audit),
		slog.Int("errors", len(errs)),
	)
	return res, errors.Join(errs...)
}

// Schedule runs the job on a standard 5-field cron expression until ctx is
// cancelled, e.g. "0 3 1 * *" for 03:00 UTC on the first of every month.
func (j *Job) Schedule(ctx context.Context, expr string) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(expr, func() {
		if _, err := j.Run(ctx); err != nil {
			j.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("archive: parse cron %q: %w", expr, err)
	}

	c.Start()
	j.logger.InfoContext(ctx, "archive scheduled", slog.String("cron", expr))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// ValidateSchedule reports whether expr is a valid 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("archive: parse cron %q: %w", expr, err)
	}
	return nil
}
