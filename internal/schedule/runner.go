// Package schedule turns due job schedules into jobs and moves each schedule
// to its next occurrence, pausing schedules that cannot continue.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agent-job-sync/internal/models"
	"agent-job-sync/internal/provider"
	"agent-job-sync/internal/recurrence"
	"agent-job-sync/internal/reconcile"
	"agent-job-sync/internal/telemetry"
)

// Pause reasons shown to schedule owners.
const (
	ReasonOneTimeDone       = "one-time schedule completed"
	ReasonNoOccurrence      = "recurrence has no future occurrence"
	ReasonUnsupported       = "unsupported recurrence pattern"
	ReasonInsufficientFunds = "insufficient credits to run agent"
	ReasonAgentUnavailable  = "agent unavailable"
	ReasonUpstream          = "agent provider unavailable"
)

// Repository is the schedule persistence the runner needs.
type Repository interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.JobSchedule, error)
	AdvanceSchedule(ctx context.Context, id string, next, lastRun time.Time) error
	PauseSchedule(ctx context.Context, id, reason string, lastRun *time.Time, at time.Time) error
}

// Creator creates and charges one job.
type Creator interface {
	Create(ctx context.Context, req reconcile.CreateRequest) (models.Job, error)
}

// Result classifies one schedule's handling.
type Result string

const (
	ResultRan    Result = "ran"
	ResultPaused Result = "paused"
	ResultFailed Result = "failed"
)

// Outcome is the per-schedule result of RunDue.
type Outcome struct {
	ScheduleID string
	JobID      string
	Result     Result
	NextRunAt  *time.Time
	Reason     string
	Err        error
}

type Options struct {
	BatchSize int
	Logger    *slog.Logger
}

// Runner executes due schedules.
type Runner struct {
	repo    Repository
	creator Creator
	batch   int
	logger  *slog.Logger
}

func NewRunner(repo Repository, creator Creator, opts Options) *Runner {
	if opts.BatchSize < 1 {
		opts.BatchSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{repo: repo, creator: creator, batch: opts.BatchSize, logger: opts.Logger}
}

// Plan validates s and sets its initial activation state: active with the
// first occurrence after now, or paused with a reason.
func Plan(s models.JobSchedule, now time.Time) models.JobSchedule {
	s.UpdatedAt = now
	rule, err := recurrence.NewRule(s.Cron, s.OneTimeAt, s.Timezone)
	if err != nil {
		return paused(s, ruleReason(err))
	}
	next, exhausted, err := rule.Next(now, s.LastRunAt)
	switch {
	case exhausted:
		if err != nil {
			return paused(s, ReasonNoOccurrence)
		}
		return paused(s, ReasonOneTimeDone)
	case err != nil:
		return paused(s, pauseReason(err))
	}
	next = next.UTC()
	s.IsActive = true
	s.NextRunAt = &next
	s.PauseReason = nil
	return s
}

func paused(s models.JobSchedule, reason string) models.JobSchedule {
	s.IsActive = false
	s.NextRunAt = nil
	s.PauseReason = &reason
	return s
}

// RunDue creates one job for every active schedule due at now. A schedule
// that fails is paused and the sweep moves on; the returned error is only
// for failures to list schedules or a cancelled context.
func (r *Runner) RunDue(ctx context.Context, now time.Time) ([]Outcome, error) {
	now = now.UTC()
	due, err := r.repo.ListDueSchedules(ctx, now, r.batch)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}

	outcomes := make([]Outcome, 0, len(due))
	for _, s := range due {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		o := r.runOne(ctx, s, now)
		telemetry.SchedulesRun.WithLabelValues(string(o.Result)).Inc()
		outcomes = append(outcomes, o)
	}
	r.logger.Info("schedule sweep finished", "due", len(due), "processed", len(outcomes))
	return outcomes, nil
}

func (r *Runner) runOne(ctx context.Context, s models.JobSchedule, now time.Time) Outcome {
	out := Outcome{ScheduleID: s.ID}
	log := r.logger.With("schedule_id", s.ID, "agent_id", s.AgentID)

	rule, err := recurrence.NewRule(s.Cron, s.OneTimeAt, s.Timezone)
	if err != nil {
		log.Warn("pausing schedule with invalid recurrence", "error", err)
		return r.pause(ctx, out, s.ID, ruleReason(err), nil, now, err)
	}

	job, err := r.creator.Create(ctx, reconcile.CreateRequest{
		UserID:         s.UserID,
		OrganizationID: s.OrganizationID,
		AgentID:        s.AgentID,
		Input:          s.Input,
		WebhookURL:     s.WebhookURL,
		ScheduleID:     &s.ID,
	})
	out.JobID = job.ID
	switch {
	case errors.Is(err, reconcile.ErrStartUnrecorded):
		// The agent is running and charged; the occurrence counts as ran.
		log.Warn("scheduled job started without a stored external id", "job_id", job.ID, "error", err)
	case err != nil:
		log.Warn("scheduled job creation failed, pausing", "error", err)
		return r.pause(ctx, out, s.ID, pauseReason(err), nil, now, err)
	}

	next, exhausted, err := rule.Next(now, &now)
	switch {
	case exhausted && err == nil:
		return r.pause(ctx, out, s.ID, ReasonOneTimeDone, &now, now, nil)
	case err != nil:
		return r.pause(ctx, out, s.ID, pauseReason(err), &now, now, err)
	}
	next = next.UTC()
	if err := r.repo.AdvanceSchedule(ctx, s.ID, next, now); err != nil {
		log.Error("advance schedule failed", "error", err)
		out.Result, out.Err = ResultFailed, err
		return out
	}
	log.Info("schedule ran", "job_id", job.ID, "next_run_at", next)
	out.Result, out.NextRunAt = ResultRan, &next
	return out
}

func (r *Runner) pause(ctx context.Context, out Outcome, id, reason string, lastRun *time.Time, now time.Time, cause error) Outcome {
	if err := r.repo.PauseSchedule(ctx, id, reason, lastRun, now); err != nil {
		r.logger.Error("pause schedule failed", "schedule_id", id, "error", err)
		out.Result, out.Err = ResultFailed, errors.Join(cause, err)
		return out
	}
	out.Result, out.Reason, out.Err = ResultPaused, reason, cause
	return out
}

func ruleReason(err error) string {
	if errors.Is(err, recurrence.ErrUnsupportedRecurrence) {
		return ReasonUnsupported
	}
	return "invalid recurrence: " + err.Error()
}

func pauseReason(err error) string {
	switch {
	case errors.Is(err, recurrence.ErrUnsupportedRecurrence):
		return ReasonUnsupported
	case errors.Is(err, recurrence.ErrNoOccurrence):
		return ReasonNoOccurrence
	case errors.Is(err, reconcile.ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, provider.ErrAgentUnavailable):
		return ReasonAgentUnavailable
	case errors.Is(err, provider.ErrUpstreamUnavailable):
		return ReasonUpstream
	}
	return "job creation failed: " + err.Error()
}
