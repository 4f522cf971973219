// Package scheduler fires snapshot runs on a cron schedule in daemon mode.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/lock"
)

// Scheduler runs a Job on a cron spec, evaluated in UTC. A tick that fires
// while the previous run is still going is skipped.
type Scheduler struct {
	spec             string
	job              Job
	pruner           JournalPruner
	journalRetention time.Duration
	logger           *slog.Logger

	cron  *cron.Cron
	entry cron.EntryID

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

// New creates a scheduler for spec. pruner may be nil; otherwise run records
// older than journalRetention are dropped after every tick.
func New(spec string, job Job, pruner JournalPruner, journalRetention time.Duration, logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	return &Scheduler{
		spec:             spec,
		job:              job,
		pruner:           pruner,
		journalRetention: journalRetention,
		logger:           logger,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start registers the job and starts the cron loop. Runs use ctx, so
// cancelling it aborts a sync in progress.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}

	id, err := s.cron.AddFunc(s.spec, func() { s.tick(s.runContext()) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}
	s.entry = id
	s.ctx = ctx
	s.started = true

	s.cron.Start()
	s.logger.Info("Scheduler started", "schedule", s.spec, "next", s.cron.Entry(id).Next)
	return nil
}

// Stop halts the cron loop and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}

	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// Next reports when the job fires next, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// tick performs one scheduled run.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Debug("Scheduler tick")

	rep, err := s.job.Run(ctx, journal.OriginSchedule)
	switch {
	case err == nil:
		s.logger.Info("Scheduled run finished", "run_id", rep.RunID, "snapshot", rep.Snapshot.Name)
	case errors.Is(err, lock.ErrBusy):
		s.logger.Info("Scheduled run skipped, destination busy", "error", err)
	default:
		s.logger.Error("Scheduled run failed", "run_id", rep.RunID, "error", err)
	}

	if s.pruner != nil && s.journalRetention > 0 {
		n, err := s.pruner.Prune(ctx, s.journalRetention)
		if err != nil {
			s.logger.Error("Failed to prune run journal", "error", err)
		} else if n > 0 {
			s.logger.Debug("Pruned run journal", "removed", n)
		}
	}
}

// cronLogger adapts slog to cron.Logger. Cron's own chatter goes to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
