package journal

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusSyncFailed marks a run whose snapshot was kept after the sync tool
	// failed. Retention still ran.
	StatusSyncFailed Status = "sync_failed"
	StatusFailed     Status = "failed"
	StatusBusy       Status = "busy"
)

// Origin says what started a run.
type Origin string

const (
	OriginCLI      Origin = "cli"
	OriginSchedule Origin = "schedule"
	OriginPrune    Origin = "prune"
)

// Run is one recorded invocation.
type Run struct {
	ID             string     `json:"id"`
	Origin         Origin     `json:"origin"`
	Status         Status     `json:"status"`
	Snapshot       string     `json:"snapshot,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	Error          string     `json:"error,omitempty"`
	SyncCode       *int       `json:"sync_code,omitempty"`
	Deleted        int        `json:"deleted"`
	DeleteFailures int        `json:"delete_failures"`
}

// Outcome is what Finish records.
type Outcome struct {
	Status         Status
	Snapshot       string
	ErrorKind      string
	Err            error
	SyncCode       *int
	Deleted        int
	DeleteFailures int
}

// Deletion is one snapshot removal attempt.
type Deletion struct {
	RunID     string    `json:"run_id"`
	Snapshot  string    `json:"snapshot"`
	DeletedAt time.Time `json:"deleted_at"`
	Error     string    `json:"error,omitempty"`
}

var ErrRunNotFound = errors.New("run not found")
