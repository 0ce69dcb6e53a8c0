package models

import (
	"fmt"
	"strings"
)

// JobStatus is the canonical job status. The set is closed: every table below
// is sized by numStatuses so adding a status without ranking it fails to compile.
type JobStatus uint8

const (
	StatusInitiated JobStatus = iota
	StatusAwaitingPayment
	StatusAwaitingInput
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusRefundPending
	StatusDisputePending
	StatusRefundResolved
	StatusDisputeResolved
	numStatuses
)

var statusNames = [numStatuses]string{
	StatusInitiated:       "INITIATED",
	StatusAwaitingPayment: "AWAITING_PAYMENT",
	StatusAwaitingInput:   "AWAITING_INPUT",
	StatusRunning:         "RUNNING",
	StatusCompleted:       "COMPLETED",
	StatusFailed:          "FAILED",
	StatusRefundPending:   "REFUND_PENDING",
	StatusDisputePending:  "DISPUTE_PENDING",
	StatusRefundResolved:  "REFUND_RESOLVED",
	StatusDisputeResolved: "DISPUTE_RESOLVED",
}

// statusRank is the total order used by merges. COMPLETED and FAILED share a
// rank, as do the two resolved states.
var statusRank = [numStatuses]int{
	StatusInitiated:       0,
	StatusAwaitingPayment: 1,
	StatusAwaitingInput:   2,
	StatusRunning:         3,
	StatusCompleted:       4,
	StatusFailed:          4,
	StatusRefundPending:   5,
	StatusDisputePending:  6,
	StatusRefundResolved:  7,
	StatusDisputeResolved: 7,
}

// AllStatuses lists every canonical status in declaration order.
func AllStatuses() []JobStatus {
	out := make([]JobStatus, 0, numStatuses)
	for s := JobStatus(0); s < numStatuses; s++ {
		out = append(out, s)
	}
	return out
}

func (s JobStatus) Valid() bool { return s < numStatuses }

func (s JobStatus) String() string {
	if !s.Valid() {
		return fmt.Sprintf("JobStatus(%d)", uint8(s))
	}
	return statusNames[s]
}

// Rank is the position of s in the merge order.
func (s JobStatus) Rank() int {
	if !s.Valid() {
		return -1
	}
	return statusRank[s]
}

// Terminal reports whether the agent can no longer move the job.
func (s JobStatus) Terminal() bool {
	return s.Valid() && statusRank[s] >= statusRank[StatusCompleted]
}

// ParseJobStatus is the inverse of String.
func ParseJobStatus(v string) (JobStatus, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for s, name := range statusNames {
		if name == v {
			return JobStatus(s), nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", v)
}

func (s JobStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid job status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseJobStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Advance merges a reported status into the recorded one. The result never
// ranks below recorded. regressed is true when reported ranks below recorded;
// an equal-rank report of a different status keeps recorded as well.
func Advance(recorded, reported JobStatus) (next JobStatus, regressed bool) {
	switch {
	case reported.Rank() > recorded.Rank():
		return reported, false
	case reported.Rank() < recorded.Rank():
		return recorded, true
	default:
		return recorded, false
	}
}

// AgentStatus is the sub-status reported by the agent execution provider.
type AgentStatus string

const (
	AgentPending         AgentStatus = "pending"
	AgentAwaitingPayment AgentStatus = "awaiting_payment"
	AgentAwaitingInput   AgentStatus = "awaiting_input"
	AgentRunning         AgentStatus = "running"
	AgentCompleted       AgentStatus = "completed"
	AgentFailed          AgentStatus = "failed"
)

var agentCanonical = map[AgentStatus]JobStatus{
	AgentPending:         StatusInitiated,
	AgentAwaitingPayment: StatusAwaitingPayment,
	AgentAwaitingInput:   StatusAwaitingInput,
	AgentRunning:         StatusRunning,
	AgentCompleted:       StatusCompleted,
	AgentFailed:          StatusFailed,
}

// Canonical maps the agent report onto a canonical status.
func (a AgentStatus) Canonical() (JobStatus, error) {
	s, ok := agentCanonical[a]
	if !ok {
		return 0, fmt.Errorf("unknown agent status %q", string(a))
	}
	return s, nil
}

// LedgerStatus is the sub-status reported by the settlement ledger.
type LedgerStatus string

const (
	LedgerNone            LedgerStatus = "none"
	LedgerPaymentPending  LedgerStatus = "payment_pending"
	LedgerFundsLocked     LedgerStatus = "funds_locked"
	LedgerResultSubmitted LedgerStatus = "result_submitted"
	LedgerWithdrawn       LedgerStatus = "withdrawn"
	LedgerRefundRequested LedgerStatus = "refund_requested"
	LedgerRefundWithdrawn LedgerStatus = "refund_withdrawn"
	LedgerDisputed        LedgerStatus = "disputed"
	LedgerDisputeResolved LedgerStatus = "dispute_resolved"
)

var ledgerCanonical = map[LedgerStatus]JobStatus{
	LedgerNone:            StatusInitiated,
	LedgerPaymentPending:  StatusAwaitingPayment,
	LedgerFundsLocked:     StatusAwaitingInput,
	LedgerResultSubmitted: StatusCompleted,
	LedgerWithdrawn:       StatusCompleted,
	LedgerRefundRequested: StatusRefundPending,
	LedgerRefundWithdrawn: StatusRefundResolved,
	LedgerDisputed:        StatusDisputePending,
	LedgerDisputeResolved: StatusDisputeResolved,
}

// Canonical maps the ledger report onto a canonical status.
func (l LedgerStatus) Canonical() (JobStatus, error) {
	s, ok := ledgerCanonical[l]
	if !ok {
		return 0, fmt.Errorf("unknown ledger status %q", string(l))
	}
	return s, nil
}

// Reported folds the two sub-statuses into one canonical status. Either may
// be empty when the upstream has nothing to say; on equal rank the ledger,
// being the settlement authority, wins.
func Reported(agent AgentStatus, ledger LedgerStatus) (JobStatus, bool, error) {
	var (
		fromAgent, fromLedger JobStatus
		haveAgent, haveLedger bool
		err                   error
	)
	if agent != "" {
		if fromAgent, err = agent.Canonical(); err != nil {
			return 0, false, err
		}
		haveAgent = true
	}
	if ledger != "" {
		if fromLedger, err = ledger.Canonical(); err != nil {
			return 0, false, err
		}
		haveLedger = true
	}
	switch {
	case haveAgent && haveLedger:
		if fromAgent.Rank() > fromLedger.Rank() {
			return fromAgent, true, nil
		}
		return fromLedger, true, nil
	case haveAgent:
		return fromAgent, true, nil
	case haveLedger:
		return fromLedger, true, nil
	}
	return 0, false, nil
}
