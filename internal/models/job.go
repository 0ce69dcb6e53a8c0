package models

import (
	"encoding/json"
	"time"

	"agent-job-sync/internal/credits"
)

// Lock is a named mutual-exclusion row shared by all service instances.
type Lock struct {
	Key      string     `json:"key"`
	IsLocked bool       `json:"is_locked"`
	LockedBy *string    `json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

// Job is one billable agent execution.
type Job struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"user_id"`
	OrganizationID        *string         `json:"organization_id,omitempty"`
	AgentID               string          `json:"agent_id"`
	ExternalID            string          `json:"external_id,omitempty"`
	Status                JobStatus       `json:"status"`
	AgentStatus           AgentStatus     `json:"agent_status,omitempty"`
	LedgerStatus          LedgerStatus    `json:"ledger_status,omitempty"`
	Input                 json.RawMessage `json:"input,omitempty"`
	InputHash             string          `json:"input_hash"`
	ResultHash            *string         `json:"result_hash,omitempty"`
	ResultURI             *string         `json:"result_uri,omitempty"`
	WebhookURL            *string         `json:"webhook_url,omitempty"`
	ScheduleID            *string         `json:"schedule_id,omitempty"`
	CreditTransactionID   string          `json:"credit_transaction_id"`
	RefundedTransactionID *string         `json:"refunded_transaction_id,omitempty"`
	SettledAt             *time.Time      `json:"settled_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`

	// Debit is the creation charge, loaded alongside the job.
	Debit *credits.Transaction `json:"debit,omitempty"`
}

// Owner returns whose balance the job is charged to: the organization when
// set, otherwise the user.
func (j Job) Owner() credits.Owner {
	if j.OrganizationID != nil && *j.OrganizationID != "" {
		return credits.Owner{OrganizationID: *j.OrganizationID}
	}
	return credits.Owner{UserID: j.UserID}
}

// Settled reports whether the completion charge was finalized.
func (j Job) Settled() bool { return j.SettledAt != nil }

// Refunded reports whether a refund entry exists for the job.
func (j Job) Refunded() bool { return j.RefundedTransactionID != nil }

// Final reports whether the job needs no more polling: terminal with its
// money settled, or in a resolved refund/dispute state.
func (j Job) Final() bool {
	switch j.Status {
	case StatusCompleted:
		return j.Settled()
	case StatusFailed:
		return j.Refunded()
	case StatusRefundResolved, StatusDisputeResolved:
		return true
	}
	return false
}

// JobSchedule spawns jobs on a recurrence.
type JobSchedule struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	OrganizationID *string         `json:"organization_id,omitempty"`
	AgentID        string          `json:"agent_id"`
	Input          json.RawMessage `json:"input,omitempty"`
	Cron           *string         `json:"cron,omitempty"`
	OneTimeAt      *time.Time      `json:"one_time_at,omitempty"`
	Timezone       string          `json:"timezone"`
	IsActive       bool            `json:"is_active"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	PauseReason    *string         `json:"pause_reason,omitempty"`
	WebhookURL     *string         `json:"webhook_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transition is one status change applied atomically with its money effects.
type Transition struct {
	JobID        string
	From         JobStatus
	To           JobStatus
	AgentStatus  AgentStatus
	LedgerStatus LedgerStatus
	ResultHash   *string
	ResultURI    *string
	ExternalID   *string
	// Settle marks the job settled if it is not already.
	Settle bool
	// Refund is appended only if the job has no refund yet.
	Refund *credits.Transaction
	At     time.Time
}

// TransitionResult reports which parts of a Transition took effect.
type TransitionResult struct {
	// Applied is false when the job was no longer in From.
	Applied  bool
	Settled  bool
	Refunded bool
}
