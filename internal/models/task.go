package models

import "time"

// Named background tasks. Each name is also the lock key guarding it.
const (
	TaskJobsSync      = "jobs-sync"
	TaskSchedulesSync = "schedules-sync"
)

// KnownTask reports whether name is a sync task the worker can run.
func KnownTask(name string) bool {
	return name == TaskJobsSync || name == TaskSchedulesSync
}

// TaskStatus is the final state of one task run.
type TaskStatus string

const (
	TaskCompleted        TaskStatus = "completed"
	TaskAlreadySyncing   TaskStatus = "already_syncing"
	TaskLockLost         TaskStatus = "lock_lost"
	TaskDeadlineExceeded TaskStatus = "deadline_exceeded"
	TaskFailed           TaskStatus = "failed"
)

// Task is a queued request to run a named sync.
type Task struct {
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskResult is the structured record of a task run, kept per task name.
type TaskResult struct {
	Task       string         `json:"task"`
	Status     TaskStatus     `json:"status"`
	Holder     string         `json:"holder"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Counts     map[string]int `json:"counts,omitempty"`
	Error      string         `json:"error,omitempty"`
}
