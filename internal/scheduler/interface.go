package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/runner"
)

//go:generate mockgen -destination=mocks/mock_job.go -package=mocks github.com/mattjoyce/timemachine/internal/scheduler Job,JournalPruner

// Job is the snapshot run fired on every schedule tick.
type Job interface {
	Run(ctx context.Context, origin journal.Origin) (runner.Report, error)
}

// JournalPruner drops old run records after each tick.
type JournalPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}
