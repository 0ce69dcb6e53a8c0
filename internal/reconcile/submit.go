package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
	"agent-job-sync/internal/provider"
	"agent-job-sync/internal/telemetry"
)

var (
	// ErrInsufficientFunds means the owner's balance does not cover price plus fee.
	ErrInsufficientFunds = errors.New("reconcile: insufficient funds")
	// ErrStartUnrecorded means the agent run started and stays charged, but
	// its external id could not be stored. Orphan handling settles it later.
	ErrStartUnrecorded = errors.New("reconcile: agent started but external id not recorded")
)

const recordAttempts = 3

// Ledger is the persistence the job-creation path needs.
type Ledger interface {
	Balance(ctx context.Context, owner credits.Owner) (credits.Amount, error)
	CreateJob(ctx context.Context, job models.Job, debit credits.Transaction) error
	ApplyTransition(ctx context.Context, t models.Transition) (models.TransitionResult, error)
}

// Executor quotes and starts agent runs.
type Executor interface {
	Quote(ctx context.Context, agentID string) (credits.Amount, error)
	Start(ctx context.Context, req provider.StartRequest) (string, error)
}

// CreateRequest describes a job to create and charge.
type CreateRequest struct {
	UserID         string
	OrganizationID *string
	AgentID        string
	Input          json.RawMessage
	WebhookURL     *string
	ScheduleID     *string
}

// Submitter creates jobs: quote, charge, persist, start.
type Submitter struct {
	ledger      Ledger
	executor    Executor
	policy      credits.FeePolicy
	recordDelay time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewSubmitter(ledger Ledger, executor Executor, policy credits.FeePolicy, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		ledger:      ledger,
		executor:    executor,
		policy:      policy,
		recordDelay: 100 * time.Millisecond,
		now:         time.Now,
		logger:      logger,
	}
}

// WithClock overrides the time source.
func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

// Create charges the owner and starts the job. The job and its debit are
// written before the provider is called; if the start fails the job moves
// to FAILED with a refund and the error wraps provider.ErrAgentUnavailable.
// A started job whose id cannot be stored is returned with ErrStartUnrecorded
// and is not refunded.
func (s *Submitter) Create(ctx context.Context, req CreateRequest) (models.Job, error) {
	now := s.now().UTC()
	job := models.Job{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		AgentID:        req.AgentID,
		Status:         models.StatusInitiated,
		Input:          req.Input,
		InputHash:      hashInput(req.Input),
		WebhookURL:     req.WebhookURL,
		ScheduleID:     req.ScheduleID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	owner := job.Owner()
	if err := owner.Validate(); err != nil {
		return models.Job{}, err
	}
	log := s.logger.With("job_id", job.ID, "agent_id", job.AgentID, "owner", owner.String())

	price, err := s.executor.Quote(ctx, req.AgentID)
	if err != nil {
		telemetry.JobsCreated.WithLabelValues("quote_failed").Inc()
		return models.Job{}, err
	}
	debit, err := credits.Debit(owner, job.ID, price, s.policy, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("price job: %w", err)
	}

	balance, err := s.ledger.Balance(ctx, owner)
	if err != nil {
		return models.Job{}, fmt.Errorf("read balance: %w", err)
	}
	if balance.Cmp(debit.Amount) < 0 {
		telemetry.JobsCreated.WithLabelValues("insufficient_funds").Inc()
		return models.Job{}, fmt.Errorf("%w: balance %s credits, need %s", ErrInsufficientFunds,
			credits.CentsToCredits(balance), credits.CentsToCredits(debit.Amount))
	}

	job.CreditTransactionID = debit.ID
	if err := s.ledger.CreateJob(ctx, job, debit); err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	job.Debit = &debit

	externalID, startErr := s.executor.Start(ctx, provider.StartRequest{
		JobID:     job.ID,
		AgentID:   job.AgentID,
		Input:     job.Input,
		InputHash: job.InputHash,
	})
	if startErr != nil {
		log.Warn("agent start failed, refunding", "error", startErr)
		return s.failAndRefund(ctx, job, startErr)
	}

	if err := s.recordStart(ctx, job.ID, externalID, now); err != nil {
		telemetry.JobsCreated.WithLabelValues("start_unrecorded").Inc()
		log.Error("agent started but external id was not stored", "external_id", externalID, "error", err)
		return job, fmt.Errorf("%w: %w", ErrStartUnrecorded, err)
	}
	job.ExternalID = externalID
	job.AgentStatus = models.AgentPending
	telemetry.JobsCreated.WithLabelValues("started").Inc()
	log.Info("job started", "external_id", externalID, "charged", debit.Amount.String())
	return job, nil
}

// recordStart stores the provider's id for a started job. The run is already
// paid for upstream, so the write survives caller cancellation and is retried.
func (s *Submitter) recordStart(ctx context.Context, jobID, externalID string, at time.Time) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		_, err = s.ledger.ApplyTransition(ctx, models.Transition{
			JobID:       jobID,
			From:        models.StatusInitiated,
			To:          models.StatusInitiated,
			AgentStatus: models.AgentPending,
			ExternalID:  &externalID,
			At:          at,
		})
		if err == nil {
			return nil
		}
		if attempt < recordAttempts {
			time.Sleep(time.Duration(attempt) * s.recordDelay)
		}
	}
	return err
}

func (s *Submitter) failAndRefund(ctx context.Context, job models.Job, cause error) (models.Job, error) {
	telemetry.JobsCreated.WithLabelValues("start_failed").Inc()
	now := s.now().UTC()
	refund, err := credits.Refund(*job.Debit, now)
	if err != nil {
		return job, errors.Join(fmt.Errorf("%w: %w", provider.ErrAgentUnavailable, cause), err)
	}
	res, err := s.ledger.ApplyTransition(context.WithoutCancel(ctx), models.Transition{
		JobID:  job.ID,
		From:   models.StatusInitiated,
		To:     models.StatusFailed,
		Refund: &refund,
		At:     now,
	})
	if err != nil {
		return job, errors.Join(fmt.Errorf("%w: %w", provider.ErrAgentUnavailable, cause), fmt.Errorf("refund: %w", err))
	}
	job.Status = models.StatusFailed
	if res.Refunded {
		job.RefundedTransactionID = &refund.ID
		telemetry.Refunds.Inc()
	}
	if errors.Is(cause, provider.ErrAgentUnavailable) {
		return job, cause
	}
	return job, fmt.Errorf("%w: %w", provider.ErrAgentUnavailable, cause)
}

func hashInput(input json.RawMessage) string {
	sum := sha256.Sum256(input)
	return "sha256:" + hex.EncodeToString(sum[:])
}
