package runner

import (
	"context"
	"errors"

	"github.com/mattjoyce/timemachine/internal/lock"
	"github.com/mattjoyce/timemachine/internal/preflight"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

// Failure kinds, as logged and stored in the journal.
const (
	KindBusy          = "busy"
	KindCapacity      = "capacity"
	KindBrokenPointer = "broken_pointer"
	KindClone         = "clone"
	KindSync          = "sync"
	KindCollision     = "collision"
	KindCancelled     = "cancelled"
	KindInternal      = "internal"
)

// Kind classifies a run error.
func Kind(err error) string {
	var (
		broken *snapshot.BrokenPointerError
		clone  *snapshot.CloneError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lock.ErrBusy):
		return KindBusy
	case errors.Is(err, preflight.ErrCapacity):
		return KindCapacity
	case errors.As(err, &broken):
		return KindBrokenPointer
	case errors.As(err, &clone):
		return KindClone
	case errors.Is(err, snapshot.ErrSyncFailed):
		return KindSync
	case errors.Is(err, snapshot.ErrNameCollision):
		return KindCollision
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// SyncCode returns the sync tool's exit code carried by err: 0 for nil, the
// exit status for a *snapshot.SyncError and -1 for anything else.
func SyncCode(err error) int {
	if err == nil {
		return 0
	}
	var se *snapshot.SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return -1
}
