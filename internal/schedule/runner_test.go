package schedule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-job-sync/internal/models"
	"agent-job-sync/internal/provider"
	"agent-job-sync/internal/reconcile"
	"agent-job-sync/internal/store"
)

var now = time.Date(2025, 1, 10, 10, 30, 0, 0, time.UTC)

type fakeCreator struct {
	fail map[string]error
	reqs []reconcile.CreateRequest
}

func (c *fakeCreator) Create(_ context.Context, req reconcile.CreateRequest) (models.Job, error) {
	c.reqs = append(c.reqs, req)
	if err := c.fail[req.AgentID]; err != nil {
		if errors.Is(err, reconcile.ErrStartUnrecorded) {
			return models.Job{ID: fmt.Sprintf("job-%d", len(c.reqs)), AgentID: req.AgentID}, err
		}
		return models.Job{}, err
	}
	return models.Job{ID: fmt.Sprintf("job-%d", len(c.reqs)), AgentID: req.AgentID}, nil
}

func strp(s string) *string { return &s }

func newRunner(m *store.Memory, c *fakeCreator) *Runner {
	return NewRunner(m, c, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
}

func addSchedule(t *testing.T, m *store.Memory, s models.JobSchedule) {
	t.Helper()
	if s.UserID == "" {
		s.UserID = "user-1"
	}
	if s.AgentID == "" {
		s.AgentID = "agent-1"
	}
	due := now.Add(-time.Minute)
	s.IsActive = true
	s.NextRunAt = &due
	require.NoError(t, m.CreateSchedule(context.Background(), s))
}

func TestRunDueAdvancesDailySchedule(t *testing.T) {
	m := store.NewMemory()
	c := &fakeCreator{}
	addSchedule(t, m, models.JobSchedule{ID: "daily", Cron: strp("5 10 * * *"), Timezone: "UTC"})

	outcomes, err := newRunner(m, c).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultRan, outcomes[0].Result)
	assert.Equal(t, "job-1", outcomes[0].JobID)

	s, err := m.GetSchedule(context.Background(), "daily")
	require.NoError(t, err)
	assert.True(t, s.IsActive)
	assert.Equal(t, time.Date(2025, 1, 11, 10, 5, 0, 0, time.UTC), *s.NextRunAt)
	assert.Equal(t, now, *s.LastRunAt)
	require.Len(t, c.reqs, 1)
	assert.Equal(t, "daily", *c.reqs[0].ScheduleID)

	outcomes, err = newRunner(m, c).RunDue(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, outcomes, "advanced schedule is no longer due")
}

func TestRunDueUsesScheduleTimezone(t *testing.T) {
	m := store.NewMemory()
	addSchedule(t, m, models.JobSchedule{ID: "ny", Cron: strp("0 9 * * *"), Timezone: "America/New_York"})

	_, err := newRunner(m, &fakeCreator{}).RunDue(context.Background(), now)
	require.NoError(t, err)
	s, err := m.GetSchedule(context.Background(), "ny")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC), *s.NextRunAt)
}

func TestRunDueAdvancesWhenStartedJobIdIsUnrecorded(t *testing.T) {
	m := store.NewMemory()
	c := &fakeCreator{fail: map[string]error{
		"agent-1": fmt.Errorf("%w: connection reset", reconcile.ErrStartUnrecorded),
	}}
	addSchedule(t, m, models.JobSchedule{ID: "daily", Cron: strp("5 10 * * *"), Timezone: "UTC"})

	outcomes, err := newRunner(m, c).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ResultRan, outcomes[0].Result)
	assert.Equal(t, "job-1", outcomes[0].JobID)

	s, err := m.GetSchedule(context.Background(), "daily")
	require.NoError(t, err)
	assert.True(t, s.IsActive, "a job that is running must not pause its schedule")
	assert.Nil(t, s.PauseReason)
	assert.Equal(t, time.Date(2025, 1, 11, 10, 5, 0, 0, time.UTC), *s.NextRunAt)
}

func TestRunDuePausesOnFailureAndContinues(t *testing.T) {
	m := store.NewMemory()
	c := &fakeCreator{fail: map[string]error{
		"broke":   reconcile.ErrInsufficientFunds,
		"retired": fmt.Errorf("start: %w", provider.ErrAgentUnavailable),
	}}
	addSchedule(t, m, models.JobSchedule{ID: "a", AgentID: "broke", Cron: strp("0 12 * * *"), Timezone: "UTC"})
	addSchedule(t, m, models.JobSchedule{ID: "b", AgentID: "retired", Cron: strp("0 8 * * MON"), Timezone: "UTC"})
	addSchedule(t, m, models.JobSchedule{ID: "c", Cron: strp("0 8 * * MON,FRI"), Timezone: "UTC"})

	outcomes, err := newRunner(m, c).RunDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	byID := map[string]Outcome{}
	for _, o := range outcomes {
		byID[o.ScheduleID] = o
	}
	assert.Equal(t, ResultPaused, byID["a"].Result)
	assert.Equal(t, ReasonInsufficientFunds, byID["a"].Reason)
	assert.Equal(t, ResultPaused, byID["b"].Result)
	assert.Equal(t, ReasonAgentUnavailable, byID["b"].Reason)
	assert.Equal(t, ResultRan, byID["c"].Result)
	assert.Equal(t, time.Date(2025, 1, 13, 8, 0, 0, 0, time.UTC), *byID["c"].NextRunAt)

	a, err := m.GetSchedule(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, a.IsActive)
	assert.Equal(t, ReasonInsufficientFunds, *a.PauseReason)
}

func TestRunDuePausesUnsupportedPattern(t *testing.T) {
	m := store.NewMemory()
	c := &fakeCreator{}
	addSchedule(t, m, models.JobSchedule{ID: "weird", Cron: strp("*/15 * * * *"), Timezone: "UTC"})

	outcomes, err := newRunner(m, c).RunDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, outcomes[0].Result)
	assert.Equal(t, ReasonUnsupported, outcomes[0].Reason)
	assert.Empty(t, c.reqs, "no job for an unsupported pattern")
}

func TestRunDueExhaustsOneTimeSchedule(t *testing.T) {
	m := store.NewMemory()
	at := now.Add(-time.Minute)
	addSchedule(t, m, models.JobSchedule{ID: "once", OneTimeAt: &at, Timezone: "UTC"})

	outcomes, err := newRunner(m, &fakeCreator{}).RunDue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, outcomes[0].Result)
	assert.Equal(t, ReasonOneTimeDone, outcomes[0].Reason)
	assert.Equal(t, "job-1", outcomes[0].JobID)

	s, err := m.GetSchedule(context.Background(), "once")
	require.NoError(t, err)
	assert.False(t, s.IsActive)
	assert.Equal(t, now, *s.LastRunAt)
}

func TestPlan(t *testing.T) {
	s := Plan(models.JobSchedule{ID: "p", Cron: strp("0 0 31 * *"), Timezone: "UTC"}, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, s.IsActive)
	assert.Equal(t, time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC), *s.NextRunAt)

	s = Plan(models.JobSchedule{ID: "p", Cron: strp("0 0 L * *"), Timezone: "UTC"}, now)
	assert.False(t, s.IsActive)
	assert.Nil(t, s.NextRunAt)
	assert.Equal(t, ReasonUnsupported, *s.PauseReason)

	at := now.Add(time.Hour)
	s = Plan(models.JobSchedule{ID: "p", OneTimeAt: &at}, now)
	assert.True(t, s.IsActive)
	assert.Equal(t, at, *s.NextRunAt)

	s = Plan(models.JobSchedule{ID: "p", OneTimeAt: &at, LastRunAt: &now}, now)
	assert.False(t, s.IsActive)
	assert.Equal(t, ReasonOneTimeDone, *s.PauseReason)

	s = Plan(models.JobSchedule{ID: "p", Cron: strp("0 9 * * *"), Timezone: "Mars/Olympus"}, now)
	assert.False(t, s.IsActive)
	assert.Contains(t, *s.PauseReason, "invalid recurrence")
}
