package api

import (
	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Snapshots     int    `json:"snapshots"`
	Latest        string `json:"latest,omitempty"`
	Pointer       string `json:"pointer"`
}

// SnapshotsResponse is returned by GET /snapshots.
type SnapshotsResponse struct {
	Latest    string              `json:"latest,omitempty"`
	Pointer   string              `json:"pointer"`
	Snapshots []snapshot.Snapshot `json:"snapshots"`
}

// RunResponse is returned by GET /runs/{runID}.
type RunResponse struct {
	Run       journal.Run        `json:"run"`
	Deletions []journal.Deletion `json:"deletions"`
}
