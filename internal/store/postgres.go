package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// --- locks ---

func (s *Postgres) CreateHeldLock(ctx context.Context, key, holder string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO locks (key, is_locked, locked_by, locked_at)
		VALUES ($1, TRUE, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, holder, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) GetLock(ctx context.Context, key string) (models.Lock, bool, error) {
	var l models.Lock
	var by pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT key, is_locked, locked_by, locked_at FROM locks WHERE key = $1
	`, key).Scan(&l.Key, &l.IsLocked, &by, &l.LockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Lock{}, false, nil
	}
	if err != nil {
		return models.Lock{}, false, fmt.Errorf("scan lock: %w", err)
	}
	l.LockedBy = textPtr(by)
	return l, true, nil
}

func (s *Postgres) ClearExpiredLock(ctx context.Context, key string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE locks SET is_locked = FALSE
		WHERE key = $1 AND is_locked AND locked_at < $2
	`, key, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) TryLock(ctx context.Context, key, holder string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE locks SET is_locked = TRUE, locked_by = $2, locked_at = $3
		WHERE key = $1 AND NOT is_locked
	`, key, holder, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) Unlock(ctx context.Context, key string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE locks SET is_locked = FALSE WHERE key = $1 AND is_locked
	`, key)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- jobs ---

const jobColumns = `
	j.id, j.user_id, j.organization_id, j.agent_id, j.external_id, j.status,
	j.agent_status, j.ledger_status, j.input, j.input_hash, j.result_hash,
	j.result_uri, j.webhook_url, j.schedule_id, j.credit_transaction_id,
	j.refunded_transaction_id, j.settled_at, j.created_at, j.updated_at,
	d.id, d.user_id, d.organization_id, d.kind, d.amount::text,
	d.included_fee::text, d.created_at`

const jobFrom = `
	FROM jobs j
	LEFT JOIN credit_transactions d ON d.id = j.credit_transaction_id`

// CreateJob inserts the job and its creation debit in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job, debit credits.Transaction) error {
	input := []byte(job.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, user_id, organization_id, agent_id, external_id, status, agent_status, ledger_status,
			input, input_hash, webhook_url, schedule_id, credit_transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, job.ID, job.UserID, job.OrganizationID, job.AgentID, job.ExternalID, job.Status.String(),
		string(job.AgentStatus), string(job.LedgerStatus), input, job.InputHash, job.WebhookURL,
		job.ScheduleID, debit.ID, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := insertTransaction(ctx, tx, debit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id with its debit.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+jobFrom+` WHERE j.id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// ListPollableJobs returns jobs that are not final, oldest first.
func (s *Postgres) ListPollableJobs(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+jobFrom+`
		WHERE NOT (
			(j.status = 'COMPLETED' AND j.settled_at IS NOT NULL)
			OR (j.status = 'FAILED' AND j.refunded_transaction_id IS NOT NULL)
			OR j.status IN ('REFUND_RESOLVED', 'DISPUTE_RESOLVED')
		)
		ORDER BY j.created_at, j.id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pollable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ApplyTransition runs the status change and its money effects in one
// transaction. Each step is guarded so replays change nothing.
func (s *Postgres) ApplyTransition(ctx context.Context, t models.Transition) (models.TransitionResult, error) {
	var res models.TransitionResult

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status = $3,
			agent_status = COALESCE(NULLIF($4, ''), agent_status),
			ledger_status = COALESCE(NULLIF($5, ''), ledger_status),
			result_hash = COALESCE($6, result_hash),
			result_uri = COALESCE($7, result_uri),
			external_id = COALESCE(NULLIF($8, ''), external_id),
			updated_at = $9
		WHERE id = $1 AND status = $2
	`, t.JobID, t.From.String(), t.To.String(), string(t.AgentStatus), string(t.LedgerStatus),
		t.ResultHash, t.ResultURI, deref(t.ExternalID), t.At)
	if err != nil {
		return res, fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return res, nil
	}
	res.Applied = true

	if t.Settle {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET settled_at = $2 WHERE id = $1 AND settled_at IS NULL
		`, t.JobID, t.At)
		if err != nil {
			return res, fmt.Errorf("settle job: %w", err)
		}
		res.Settled = tag.RowsAffected() == 1
	}

	if t.Refund != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE jobs SET refunded_transaction_id = $2 WHERE id = $1 AND refunded_transaction_id IS NULL
		`, t.JobID, t.Refund.ID)
		if err != nil {
			return res, fmt.Errorf("mark refund: %w", err)
		}
		if tag.RowsAffected() == 1 {
			if err := insertTransaction(ctx, tx, *t.Refund); err != nil {
				return res, err
			}
			res.Refunded = true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.TransitionResult{}, fmt.Errorf("commit transition: %w", err)
	}
	return res, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var status, agentStatus, ledgerStatus string
	var input []byte
	var org, resultHash, resultURI, webhook, scheduleID, refund pgtype.Text
	var debitID, debitUser, debitOrg, debitKind, debitAmount, debitFee pgtype.Text
	var debitCreated pgtype.Timestamptz
	if err := row.Scan(&job.ID, &job.UserID, &org, &job.AgentID, &job.ExternalID, &status,
		&agentStatus, &ledgerStatus, &input, &job.InputHash, &resultHash,
		&resultURI, &webhook, &scheduleID, &job.CreditTransactionID,
		&refund, &job.SettledAt, &job.CreatedAt, &job.UpdatedAt,
		&debitID, &debitUser, &debitOrg, &debitKind, &debitAmount,
		&debitFee, &debitCreated); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	st, err := models.ParseJobStatus(status)
	if err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.Status = st
	job.AgentStatus = models.AgentStatus(agentStatus)
	job.LedgerStatus = models.LedgerStatus(ledgerStatus)
	job.Input = json.RawMessage(input)
	job.OrganizationID = textPtr(org)
	job.ResultHash = textPtr(resultHash)
	job.ResultURI = textPtr(resultURI)
	job.WebhookURL = textPtr(webhook)
	job.ScheduleID = textPtr(scheduleID)
	job.RefundedTransactionID = textPtr(refund)

	if debitID.Valid {
		debit := credits.Transaction{
			ID:        debitID.String,
			Owner:     credits.Owner{UserID: debitUser.String, OrganizationID: debitOrg.String},
			JobID:     &job.ID,
			Kind:      credits.Kind(debitKind.String),
			CreatedAt: debitCreated.Time,
		}
		if debit.Amount, err = credits.ParseAmount(debitAmount.String); err != nil {
			return models.Job{}, fmt.Errorf("debit %s amount: %w", debit.ID, err)
		}
		if debit.IncludedFee, err = credits.ParseAmount(debitFee.String); err != nil {
			return models.Job{}, fmt.Errorf("debit %s fee: %w", debit.ID, err)
		}
		job.Debit = &debit
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
