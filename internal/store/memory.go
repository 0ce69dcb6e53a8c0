package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
)

// Memory is an in-process store with the same guarded-write semantics as
// Postgres. Every method holds one mutex for its whole body, which gives each
// call the atomicity a single SQL statement or transaction would.
type Memory struct {
	mu        sync.Mutex
	locks     map[string]models.Lock
	jobs      map[string]models.Job
	schedules map[string]models.JobSchedule
	txs       []credits.Transaction
	txByID    map[string]int
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		locks:     make(map[string]models.Lock),
		jobs:      make(map[string]models.Job),
		schedules: make(map[string]models.JobSchedule),
		txByID:    make(map[string]int),
	}
}

// --- locks ---

func (m *Memory) CreateHeldLock(_ context.Context, key, holder string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[key]; ok {
		return 0, nil
	}
	m.locks[key] = models.Lock{Key: key, IsLocked: true, LockedBy: &holder, LockedAt: &at}
	return 1, nil
}

func (m *Memory) GetLock(_ context.Context, key string) (models.Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	return l, ok, nil
}

func (m *Memory) ClearExpiredLock(_ context.Context, key string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || !l.IsLocked || l.LockedAt == nil || !l.LockedAt.Before(cutoff) {
		return 0, nil
	}
	l.IsLocked = false
	m.locks[key] = l
	return 1, nil
}

func (m *Memory) TryLock(_ context.Context, key, holder string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || l.IsLocked {
		return 0, nil
	}
	l.IsLocked = true
	l.LockedBy = &holder
	l.LockedAt = &at
	m.locks[key] = l
	return 1, nil
}

func (m *Memory) Unlock(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok || !l.IsLocked {
		return 0, nil
	}
	l.IsLocked = false
	m.locks[key] = l
	return 1, nil
}

// --- jobs ---

// CreateJob inserts job together with its creation debit.
func (m *Memory) CreateJob(_ context.Context, job models.Job, debit credits.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("insert job %s: duplicate id", job.ID)
	}
	if _, ok := m.txByID[debit.ID]; ok {
		return fmt.Errorf("insert transaction %s: duplicate id", debit.ID)
	}
	job.CreditTransactionID = debit.ID
	m.jobs[job.ID] = job
	m.appendLocked(debit)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return m.withDebit(job), nil
}

// ListPollableJobs returns jobs that are not final, oldest first.
func (m *Memory) ListPollableJobs(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if !j.Final() {
			out = append(out, m.withDebit(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplyTransition applies t only if the job is still in t.From.
func (m *Memory) ApplyTransition(_ context.Context, t models.Transition) (models.TransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res models.TransitionResult
	job, ok := m.jobs[t.JobID]
	if !ok {
		return res, fmt.Errorf("job %s: %w", t.JobID, ErrNotFound)
	}
	if job.Status != t.From {
		return res, nil
	}
	if t.Refund != nil {
		if _, dup := m.txByID[t.Refund.ID]; dup && job.RefundedTransactionID == nil {
			return res, fmt.Errorf("insert transaction %s: duplicate id", t.Refund.ID)
		}
	}

	job.Status = t.To
	if t.AgentStatus != "" {
		job.AgentStatus = t.AgentStatus
	}
	if t.LedgerStatus != "" {
		job.LedgerStatus = t.LedgerStatus
	}
	if t.ResultHash != nil {
		job.ResultHash = t.ResultHash
	}
	if t.ResultURI != nil {
		job.ResultURI = t.ResultURI
	}
	if t.ExternalID != nil && *t.ExternalID != "" {
		job.ExternalID = *t.ExternalID
	}
	job.UpdatedAt = t.At
	res.Applied = true

	if t.Settle && job.SettledAt == nil {
		at := t.At
		job.SettledAt = &at
		res.Settled = true
	}
	if t.Refund != nil && job.RefundedTransactionID == nil {
		id := t.Refund.ID
		job.RefundedTransactionID = &id
		m.appendLocked(*t.Refund)
		res.Refunded = true
	}
	m.jobs[job.ID] = job
	return res, nil
}

func (m *Memory) withDebit(j models.Job) models.Job {
	if idx, ok := m.txByID[j.CreditTransactionID]; ok {
		d := m.txs[idx]
		j.Debit = &d
	}
	return j
}

// --- schedules ---

func (m *Memory) CreateSchedule(_ context.Context, s models.JobSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return fmt.Errorf("insert schedule %s: duplicate id", s.ID)
	}
	m.schedules[s.ID] = s
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (models.JobSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return models.JobSchedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return s, nil
}

// ListDueSchedules returns active schedules with next_run_at <= now, earliest first.
func (m *Memory) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]models.JobSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobSchedule, 0)
	for _, s := range m.schedules {
		if s.IsActive && s.NextRunAt != nil && !s.NextRunAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextRunAt.Equal(*out[k].NextRunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].NextRunAt.Before(*out[k].NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AdvanceSchedule records a run and moves next_run_at forward.
func (m *Memory) AdvanceSchedule(_ context.Context, id string, next, lastRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.NextRunAt = &next
	s.LastRunAt = &lastRun
	s.PauseReason = nil
	s.UpdatedAt = lastRun
	m.schedules[id] = s
	return nil
}

// PauseSchedule deactivates a schedule with a reason. lastRun is recorded when set.
func (m *Memory) PauseSchedule(_ context.Context, id, reason string, lastRun *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	s.IsActive = false
	s.NextRunAt = nil
	s.PauseReason = &reason
	if lastRun != nil {
		s.LastRunAt = lastRun
	}
	s.UpdatedAt = at
	m.schedules[id] = s
	return nil
}

// --- credit transactions ---

func (m *Memory) AppendTransaction(_ context.Context, tx credits.Transaction) error {
	if err := tx.Owner.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txByID[tx.ID]; ok {
		return fmt.Errorf("insert transaction %s: duplicate id", tx.ID)
	}
	m.appendLocked(tx)
	return nil
}

// ListTransactions returns owner's entries in insertion order.
func (m *Memory) ListTransactions(_ context.Context, owner credits.Owner) ([]credits.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []credits.Transaction
	for _, tx := range m.txs {
		if tx.Owner == owner {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *Memory) Balance(ctx context.Context, owner credits.Owner) (credits.Amount, error) {
	entries, err := m.ListTransactions(ctx, owner)
	if err != nil {
		return credits.Amount{}, err
	}
	return credits.Balance(entries), nil
}

func (m *Memory) appendLocked(tx credits.Transaction) {
	m.txByID[tx.ID] = len(m.txs)
	m.txs = append(m.txs, tx)
}
