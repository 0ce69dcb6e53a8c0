// Package reconcile keeps recorded job statuses in step with what the
// execution provider and the settlement ledger report, and applies the
// money consequences of each transition exactly once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-job-sync/internal/archive"
	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
	"agent-job-sync/internal/provider"
	"agent-job-sync/internal/telemetry"
	"agent-job-sync/internal/webhook"
)

// Repository is the persistence the engine reads and writes.
type Repository interface {
	ListPollableJobs(ctx context.Context, limit int) ([]models.Job, error)
	ApplyTransition(ctx context.Context, t models.Transition) (models.TransitionResult, error)
}

// StatusSource reports the provider and ledger view of a job.
type StatusSource interface {
	Status(ctx context.Context, externalID string) (provider.Report, error)
}

// Notifier delivers terminal-transition webhooks.
type Notifier interface {
	Notify(ctx context.Context, url string, ev webhook.Event)
}

// Action summarizes what one job's reconciliation did.
type Action string

const (
	ActionUnchanged Action = "unchanged"
	ActionAdvanced  Action = "advanced"
	ActionRegressed Action = "regressed"
	ActionOrphaned  Action = "orphaned"
	ActionSkipped   Action = "skipped"
	ActionConflict  Action = "conflict"
	ActionFailed    Action = "failed"
	ActionAbandoned Action = "abandoned"
)

// Outcome is the per-job result of a sweep.
type Outcome struct {
	JobID    string
	Action   Action
	From     models.JobStatus
	To       models.JobStatus
	Settled  bool
	Refunded bool
	Err      error
}

// Summary aggregates the outcomes of one sweep.
type Summary struct {
	Outcomes []Outcome
}

// Count returns how many outcomes took action a.
func (s Summary) Count(a Action) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Action == a {
			n++
		}
	}
	return n
}

// Settlements and Refunds count the money effects written during the sweep.
func (s Summary) Settlements() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Settled {
			n++
		}
	}
	return n
}

func (s Summary) Refunds() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Refunded {
			n++
		}
	}
	return n
}

// Options tunes an Engine.
type Options struct {
	Concurrency   int
	BatchSize     int
	Deadline      time.Duration
	OrphanTimeout time.Duration
	Archiver      archive.Archiver
	Notifier      Notifier
	Now           func() time.Time
	Logger        *slog.Logger
}

// Engine runs reconciliation sweeps.
type Engine struct {
	repo   Repository
	source StatusSource
	opts   Options
	logger *slog.Logger
}

// NewEngine builds an engine. Zero options take the service defaults.
func NewEngine(repo Repository, source StatusSource, opts Options) *Engine {
	if opts.Concurrency < 1 {
		opts.Concurrency = 5
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 500
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{repo: repo, source: source, opts: opts, logger: opts.Logger}
}

// Sweep polls every pollable job once with at most Concurrency polls in
// flight. A failing job never affects another. When the batch deadline
// passes, unstarted jobs are abandoned and in-flight polls are cancelled;
// the returned error then wraps context.DeadlineExceeded.
func (e *Engine) Sweep(ctx context.Context) (Summary, error) {
	batchCtx := ctx
	if e.opts.Deadline > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, e.opts.Deadline)
		defer cancel()
	}

	jobs, err := e.repo.ListPollableJobs(batchCtx, e.opts.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("list pollable jobs: %w", err)
	}

	outcomes := make([]Outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, job := range jobs {
		if err := batchCtx.Err(); err != nil {
			outcomes[i] = Outcome{JobID: job.ID, Action: ActionAbandoned, From: job.Status, To: job.Status, Err: err}
			continue
		}
		g.Go(func() error {
			outcomes[i] = e.reconcile(batchCtx, job)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Outcomes: outcomes}
	for _, o := range outcomes {
		telemetry.JobsPolled.WithLabelValues(string(o.Action)).Inc()
	}
	e.logger.Info("reconciliation sweep finished",
		"jobs", len(jobs),
		"advanced", summary.Count(ActionAdvanced),
		"orphaned", summary.Count(ActionOrphaned),
		"failed", summary.Count(ActionFailed),
		"abandoned", summary.Count(ActionAbandoned),
		"settled", summary.Settlements(),
		"refunded", summary.Refunds())

	if err := batchCtx.Err(); err != nil && ctx.Err() == nil {
		return summary, fmt.Errorf("reconciliation batch deadline: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// Reconcile runs a single job through the same path a sweep uses.
func (e *Engine) Reconcile(ctx context.Context, job models.Job) Outcome {
	return e.reconcile(ctx, job)
}

func (e *Engine) reconcile(ctx context.Context, job models.Job) Outcome {
	out := Outcome{JobID: job.ID, From: job.Status, To: job.Status}
	if err := ctx.Err(); err != nil {
		out.Action, out.Err = ActionAbandoned, err
		return out
	}
	now := e.opts.Now().UTC()
	log := e.logger.With("job_id", job.ID, "status", job.Status.String())

	if job.ExternalID == "" {
		return e.reconcileUnsubmitted(ctx, job, now, log)
	}

	report, err := e.source.Status(ctx, job.ExternalID)
	if err != nil {
		if ctx.Err() != nil {
			out.Action, out.Err = ActionAbandoned, ctx.Err()
			return out
		}
		log.Warn("status poll failed", "external_id", job.ExternalID, "error", err)
		if owesMoney(job) {
			return e.apply(ctx, job, e.transition(job, job.Status, now), log)
		}
		out.Action, out.Err = ActionFailed, err
		return out
	}

	reported, ok, err := models.Reported(report.AgentStatus, report.LedgerStatus)
	if err != nil {
		log.Warn("unmappable status report", "agent_status", report.AgentStatus, "ledger_status", report.LedgerStatus, "error", err)
		out.Action, out.Err = ActionFailed, err
		return out
	}
	next, regressed := job.Status, false
	if ok {
		next, regressed = models.Advance(job.Status, reported)
		if regressed {
			telemetry.StatusRegressions.Inc()
			log.Warn("ignoring status regression", "reported", reported.String())
			if !owesMoney(job) && !subStatusChanged(job, report) {
				out.Action = ActionRegressed
				return out
			}
		}
	}

	t := e.transition(job, next, now)
	t.AgentStatus = report.AgentStatus
	t.LedgerStatus = report.LedgerStatus
	if report.ResultHash != "" && job.ResultHash == nil {
		hash := report.ResultHash
		t.ResultHash = &hash
	}
	if next == models.StatusCompleted && len(report.Result) > 0 && job.ResultURI == nil && e.opts.Archiver != nil {
		uri, err := e.opts.Archiver.Archive(ctx, job.ID, report.Result)
		if err != nil {
			telemetry.ResultsArchived.WithLabelValues("failed").Inc()
			log.Warn("result archival failed", "error", err)
		} else {
			telemetry.ResultsArchived.WithLabelValues("stored").Inc()
			t.ResultURI = &uri
		}
	}

	if t.To == job.Status && !t.Settle && t.Refund == nil && t.ResultHash == nil && t.ResultURI == nil && !subStatusChanged(job, report) {
		out.Action = ActionUnchanged
		return out
	}
	out = e.apply(ctx, job, t, log)
	if regressed && out.Action == ActionAdvanced && out.To == job.Status {
		out.Action = ActionRegressed
	}
	return out
}

// Jobs without an external id were never accepted by the provider. Young
// ones may still be mid-submission; old ones are failed and refunded.
func (e *Engine) reconcileUnsubmitted(ctx context.Context, job models.Job, now time.Time, log *slog.Logger) Outcome {
	if owesMoney(job) {
		return e.apply(ctx, job, e.transition(job, job.Status, now), log)
	}
	if job.Status.Terminal() || now.Sub(job.CreatedAt) <= e.opts.OrphanTimeout {
		return Outcome{JobID: job.ID, Action: ActionSkipped, From: job.Status, To: job.Status}
	}
	log.Warn("failing orphaned submission", "age", now.Sub(job.CreatedAt).String())
	out := e.apply(ctx, job, e.transition(job, models.StatusFailed, now), log)
	if out.Action == ActionAdvanced {
		out.Action = ActionOrphaned
	}
	return out
}

// transition builds the move to next together with the settlement and
// refund it implies for this job.
func (e *Engine) transition(job models.Job, next models.JobStatus, now time.Time) models.Transition {
	t := models.Transition{JobID: job.ID, From: job.Status, To: next, At: now}
	switch next {
	case models.StatusCompleted:
		t.Settle = !job.Settled()
	case models.StatusFailed, models.StatusRefundResolved:
		if !job.Refunded() && job.Debit != nil {
			refund, err := credits.Refund(*job.Debit, now)
			if err != nil {
				e.logger.Error("cannot build refund", "job_id", job.ID, "error", err)
				break
			}
			t.Refund = &refund
		}
	}
	return t
}

func (e *Engine) apply(ctx context.Context, job models.Job, t models.Transition, log *slog.Logger) Outcome {
	out := Outcome{JobID: job.ID, From: job.Status, To: t.To}
	res, err := e.repo.ApplyTransition(ctx, t)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			out.Action, out.Err = ActionAbandoned, err
			return out
		}
		log.Error("apply transition failed", "to", t.To.String(), "error", err)
		out.Action, out.Err = ActionFailed, err
		return out
	}
	if !res.Applied {
		// Another writer moved the job first; the next sweep sees its state.
		out.Action, out.To = ActionConflict, job.Status
		return out
	}

	out.Action = ActionAdvanced
	out.Settled, out.Refunded = res.Settled, res.Refunded
	if t.To != job.Status {
		telemetry.JobTransitions.WithLabelValues(t.To.String()).Inc()
	}
	if res.Settled {
		telemetry.Settlements.Inc()
	}
	if res.Refunded {
		telemetry.Refunds.Inc()
		log.Info("refund recorded", "refund_id", t.Refund.ID, "amount", t.Refund.Amount.String())
	}
	log.Info("job reconciled", "to", t.To.String(), "settled", res.Settled, "refunded", res.Refunded)

	if t.To.Terminal() && !job.Status.Terminal() && job.WebhookURL != nil && e.opts.Notifier != nil {
		ev := webhook.Event{
			JobID:      job.ID,
			AgentID:    job.AgentID,
			Status:     t.To,
			ResultHash: firstNonNil(t.ResultHash, job.ResultHash),
			ResultURI:  firstNonNil(t.ResultURI, job.ResultURI),
			Refunded:   res.Refunded,
			OccurredAt: t.At,
		}
		e.opts.Notifier.Notify(context.WithoutCancel(ctx), *job.WebhookURL, ev)
	}
	return out
}

// owesMoney reports a terminal job whose settlement or refund was never written.
func owesMoney(job models.Job) bool {
	switch job.Status {
	case models.StatusCompleted:
		return !job.Settled()
	case models.StatusFailed, models.StatusRefundResolved:
		return !job.Refunded() && job.Debit != nil
	}
	return false
}

func subStatusChanged(job models.Job, r provider.Report) bool {
	return (r.AgentStatus != "" && r.AgentStatus != job.AgentStatus) ||
		(r.LedgerStatus != "" && r.LedgerStatus != job.LedgerStatus)
}

func firstNonNil(a, b *string) *string {
	if a != nil {
		return a
	}
	return b
}
