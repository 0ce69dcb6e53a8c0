package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
)

var t0 = time.Date(2025, 1, 10, 10, 30, 0, 0, time.UTC)

func seedJob(t *testing.T, ctx context.Context, s interface {
	CreateJob(context.Context, models.Job, credits.Transaction) error
}, id string, status models.JobStatus, created time.Time) (models.Job, credits.Transaction) {
	t.Helper()
	policy, err := credits.NewFeePolicy("5", "1")
	require.NoError(t, err)
	job := models.Job{
		ID:        id,
		UserID:    "user-1",
		AgentID:   "agent-1",
		Status:    status,
		InputHash: "h-" + id,
		CreatedAt: created,
		UpdatedAt: created,
	}
	debit, err := credits.Debit(job.Owner(), id, credits.FromCredits(10), policy, created)
	require.NoError(t, err)
	require.NoError(t, s.CreateJob(ctx, job, debit))
	return job, debit
}

func TestMemoryCreateJobStoresDebit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, debit := seedJob(t, ctx, m, "job-1", models.StatusInitiated, t0)

	got, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.Debit)
	assert.Equal(t, debit.ID, got.CreditTransactionID)
	assert.Equal(t, 0, got.Debit.Amount.Cmp(credits.FromCredits(11)))

	bal, err := m.Balance(ctx, credits.Owner{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "-11000000000000", bal.String())

	_, err = m.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryApplyTransitionGuards(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, debit := seedJob(t, ctx, m, "job-1", models.StatusRunning, t0)
	refund, err := credits.Refund(debit, t0.Add(time.Minute))
	require.NoError(t, err)

	res, err := m.ApplyTransition(ctx, models.Transition{
		JobID: "job-1", From: models.StatusRunning, To: models.StatusFailed,
		AgentStatus: models.AgentFailed, Refund: &refund, At: t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, models.TransitionResult{Applied: true, Refunded: true}, res)

	// stale From: nothing changes
	res, err = m.ApplyTransition(ctx, models.Transition{
		JobID: "job-1", From: models.StatusRunning, To: models.StatusCompleted, Settle: true, At: t0.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	// replaying the refund is a no-op
	again, err := credits.Refund(debit, t0.Add(3*time.Minute))
	require.NoError(t, err)
	res, err = m.ApplyTransition(ctx, models.Transition{
		JobID: "job-1", From: models.StatusFailed, To: models.StatusFailed, Refund: &again, At: t0.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Refunded)

	txs, err := m.ListTransactions(ctx, credits.Owner{UserID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	assert.True(t, credits.Balance(txs).IsZero())

	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Equal(t, models.AgentFailed, job.AgentStatus)
	assert.True(t, job.Final())
}

func TestMemorySettleOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedJob(t, ctx, m, "job-1", models.StatusRunning, t0)
	hash := "sha256:abc"

	res, err := m.ApplyTransition(ctx, models.Transition{
		JobID: "job-1", From: models.StatusRunning, To: models.StatusCompleted, ResultHash: &hash, Settle: true, At: t0,
	})
	require.NoError(t, err)
	assert.True(t, res.Settled)

	res, err = m.ApplyTransition(ctx, models.Transition{
		JobID: "job-1", From: models.StatusCompleted, To: models.StatusCompleted, Settle: true, At: t0.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, res.Settled)

	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.SettledAt)
	assert.Equal(t, t0, *job.SettledAt)
	assert.Equal(t, &hash, job.ResultHash)
}

func TestMemoryListPollableJobs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedJob(t, ctx, m, "b", models.StatusRunning, t0.Add(time.Second))
	seedJob(t, ctx, m, "a", models.StatusInitiated, t0)
	seedJob(t, ctx, m, "c", models.StatusRefundResolved, t0)
	seedJob(t, ctx, m, "d", models.StatusCompleted, t0.Add(2*time.Second))

	jobs, err := m.ListPollableJobs(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, ids, "completed but unsettled still needs a pass")

	jobs, err = m.ListPollableJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestMemorySchedules(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	cron := "5 10 * * *"
	due := t0.Add(-time.Minute)
	later := t0.Add(time.Hour)
	require.NoError(t, m.CreateSchedule(ctx, models.JobSchedule{ID: "s1", UserID: "u", AgentID: "a", Cron: &cron, Timezone: "UTC", IsActive: true, NextRunAt: &due}))
	require.NoError(t, m.CreateSchedule(ctx, models.JobSchedule{ID: "s2", UserID: "u", AgentID: "a", Cron: &cron, Timezone: "UTC", IsActive: true, NextRunAt: &later}))
	require.NoError(t, m.CreateSchedule(ctx, models.JobSchedule{ID: "s3", UserID: "u", AgentID: "a", Cron: &cron, Timezone: "UTC", IsActive: false}))

	got, err := m.ListDueSchedules(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].ID)

	next := t0.Add(24 * time.Hour)
	require.NoError(t, m.AdvanceSchedule(ctx, "s1", next, t0))
	s1, err := m.GetSchedule(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, next, *s1.NextRunAt)
	assert.Equal(t, t0, *s1.LastRunAt)

	require.NoError(t, m.PauseSchedule(ctx, "s2", "agent unavailable", nil, t0))
	s2, err := m.GetSchedule(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, s2.IsActive)
	assert.Nil(t, s2.NextRunAt)
	assert.Equal(t, "agent unavailable", *s2.PauseReason)

	assert.ErrorIs(t, m.AdvanceSchedule(ctx, "nope", next, t0), ErrNotFound)
}

func TestMemoryAppendTransactionRejectsBadOwner(t *testing.T) {
	m := NewMemory()
	err := m.AppendTransaction(context.Background(), credits.Transaction{ID: "x", Owner: credits.Owner{UserID: "u", OrganizationID: "o"}})
	assert.Error(t, err)
}
