package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"agent-job-sync/internal/credits"
	"agent-job-sync/internal/models"
)

// --- credit transactions ---

// Amounts cross the driver as decimal text so no precision is lost in transit.
func insertTransaction(ctx context.Context, q execer, tx credits.Transaction) error {
	if err := tx.Owner.Validate(); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `
		INSERT INTO credit_transactions (id, user_id, organization_id, job_id, kind, amount, included_fee, refund_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9)
	`, tx.ID, emptyToNil(tx.Owner.UserID), emptyToNil(tx.Owner.OrganizationID), tx.JobID, string(tx.Kind),
		tx.Amount.String(), tx.IncludedFee.String(), tx.RefundOf, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// AppendTransaction writes a standalone ledger entry such as a top-up.
func (s *Postgres) AppendTransaction(ctx context.Context, tx credits.Transaction) error {
	return insertTransaction(ctx, s.pool, tx)
}

// ListTransactions returns owner's entries oldest first.
func (s *Postgres) ListTransactions(ctx context.Context, owner credits.Owner) ([]credits.Transaction, error) {
	column, value := ownerColumn(owner)
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, organization_id, job_id, kind, amount::text, included_fee::text, refund_of, created_at
		FROM credit_transactions
		WHERE `+column+` = $1
		ORDER BY created_at, id
	`, value)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []credits.Transaction
	for rows.Next() {
		var tx credits.Transaction
		var user, org, jobID, refundOf pgtype.Text
		var kind, amount, fee string
		if err := rows.Scan(&tx.ID, &user, &org, &jobID, &kind, &amount, &fee, &refundOf, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		tx.Owner = credits.Owner{UserID: user.String, OrganizationID: org.String}
		tx.JobID = textPtr(jobID)
		tx.RefundOf = textPtr(refundOf)
		tx.Kind = credits.Kind(kind)
		if tx.Amount, err = credits.ParseAmount(amount); err != nil {
			return nil, fmt.Errorf("transaction %s amount: %w", tx.ID, err)
		}
		if tx.IncludedFee, err = credits.ParseAmount(fee); err != nil {
			return nil, fmt.Errorf("transaction %s fee: %w", tx.ID, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Balance sums owner's entries in the database: −Σ amount.
func (s *Postgres) Balance(ctx context.Context, owner credits.Owner) (credits.Amount, error) {
	column, value := ownerColumn(owner)
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT (-COALESCE(SUM(amount), 0))::text FROM credit_transactions WHERE `+column+` = $1
	`, value).Scan(&total)
	if err != nil {
		return credits.Amount{}, fmt.Errorf("sum balance: %w", err)
	}
	return credits.ParseAmount(total)
}

func ownerColumn(o credits.Owner) (string, string) {
	if o.OrganizationID != "" {
		return "organization_id", o.OrganizationID
	}
	return "user_id", o.UserID
}

// --- schedules ---

const scheduleColumns = `
	id, user_id, organization_id, agent_id, input, cron, one_time_at, timezone,
	is_active, next_run_at, last_run_at, pause_reason, webhook_url, created_at, updated_at`

func (s *Postgres) CreateSchedule(ctx context.Context, sc models.JobSchedule) error {
	input := []byte(sc.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, sc.ID, sc.UserID, sc.OrganizationID, sc.AgentID, input, sc.Cron, sc.OneTimeAt, sc.Timezone,
		sc.IsActive, sc.NextRunAt, sc.LastRunAt, sc.PauseReason, sc.WebhookURL, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *Postgres) GetSchedule(ctx context.Context, id string) (models.JobSchedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM job_schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobSchedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, err
}

// ListDueSchedules returns active schedules with next_run_at <= now, earliest first.
func (s *Postgres) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.JobSchedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM job_schedules
		WHERE is_active AND next_run_at <= $1
		ORDER BY next_run_at, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []models.JobSchedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AdvanceSchedule records a run and moves next_run_at forward.
func (s *Postgres) AdvanceSchedule(ctx context.Context, id string, next, lastRun time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_schedules
		SET next_run_at = $2, last_run_at = $3, pause_reason = NULL, updated_at = $3
		WHERE id = $1
	`, id, next, lastRun)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// PauseSchedule deactivates a schedule with a reason. lastRun is recorded when set.
func (s *Postgres) PauseSchedule(ctx context.Context, id, reason string, lastRun *time.Time, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_schedules
		SET is_active = FALSE, next_run_at = NULL, pause_reason = $2,
			last_run_at = COALESCE($3, last_run_at), updated_at = $4
		WHERE id = $1
	`, id, reason, lastRun, at)
	if err != nil {
		return fmt.Errorf("pause schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanSchedule(row pgx.Row) (models.JobSchedule, error) {
	var sc models.JobSchedule
	var input []byte
	var org, cron, reason, webhook pgtype.Text
	if err := row.Scan(&sc.ID, &sc.UserID, &org, &sc.AgentID, &input, &cron, &sc.OneTimeAt, &sc.Timezone,
		&sc.IsActive, &sc.NextRunAt, &sc.LastRunAt, &reason, &webhook, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobSchedule{}, err
		}
		return models.JobSchedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	sc.Input = json.RawMessage(input)
	sc.OrganizationID = textPtr(org)
	sc.Cron = textPtr(cron)
	sc.PauseReason = textPtr(reason)
	sc.WebhookURL = textPtr(webhook)
	return sc, nil
}
