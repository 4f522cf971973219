// Package runner drives one snapshot run end to end: take the destination
// lock, check capacity, create the snapshot, then apply retention.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/timemachine/internal/config"
	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/lock"
	"github.com/mattjoyce/timemachine/internal/log"
	"github.com/mattjoyce/timemachine/internal/metrics"
	"github.com/mattjoyce/timemachine/internal/preflight"
	"github.com/mattjoyce/timemachine/internal/retention"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

// Journal records runs for later inspection. It never feeds decisions back.
type Journal interface {
	Begin(ctx context.Context, origin journal.Origin) (string, error)
	Finish(ctx context.Context, runID string, o journal.Outcome) error
	RecordDeletion(ctx context.Context, runID, snapshot string, delErr error) error
}

// Deps are the collaborators of a Runner. Nil fields get production defaults
// derived from the config.
type Deps struct {
	Logger   *slog.Logger
	Journal  Journal
	Metrics  *metrics.Metrics
	Prober   preflight.Prober
	Cloner   snapshot.Cloner
	Syncer   snapshot.Syncer
	LockPath string
	Now      func() time.Time
}

// Report summarises one run.
type Report struct {
	RunID     string
	Snapshot  snapshot.Snapshot
	Usage     preflight.Usage
	Retention retention.Result
}

// Runner executes snapshot and prune runs against one destination.
type Runner struct {
	cfg      *config.Config
	logger   *slog.Logger
	journal  Journal
	metrics  *metrics.Metrics
	prober   preflight.Prober
	repo     *snapshot.Repository
	creator  *snapshot.Creator
	policy   *retention.Policy
	lockPath string
	now      func() time.Time
}

// New wires a Runner for cfg.
func New(cfg *config.Config, deps Deps) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	logger = log.WithComponent(logger, "runner")

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	prober := deps.Prober
	if prober == nil {
		prober = preflight.StatfsProber{}
	}
	cloner := deps.Cloner
	if cloner == nil {
		cloner = NewCloner(cfg.Clone)
	}
	syncer := deps.Syncer
	if syncer == nil {
		syncer = &snapshot.Rsync{
			Command:   cfg.Sync.Command,
			ExtraArgs: cfg.Sync.ExtraArgs,
			Logger:    log.WithComponent(logger, "rsync"),
		}
	}
	lockPath := deps.LockPath
	if lockPath == "" {
		lockPath = lock.PathFor(cfg.Destination.Path)
	}

	if deps.Metrics != nil && cfg.Metrics.Textfile != "" {
		if err := deps.Metrics.RestoreLastSuccess(cfg.Metrics.Textfile); err != nil {
			logger.Warn("metrics: restore last success failed", "path", cfg.Metrics.Textfile, "error", err)
		}
	}

	repo := snapshot.NewRepository(cfg.Destination.Path)
	return &Runner{
		cfg:      cfg,
		logger:   logger,
		journal:  deps.Journal,
		metrics:  deps.Metrics,
		prober:   prober,
		repo:     repo,
		creator:  snapshot.NewCreator(repo, cloner, syncer, logger).WithClock(now),
		policy:   retention.NewPolicy(cfg.Retention, logger),
		lockPath: lockPath,
		now:      now,
	}
}

// NewCloner returns the cloner selected by the clone config.
func NewCloner(c config.CloneConfig) snapshot.Cloner {
	if c.Method == "native" {
		return snapshot.NativeCloner{}
	}
	return &snapshot.ExecCloner{Command: c.Command}
}

// Repository exposes the snapshot directory the runner works on.
func (r *Runner) Repository() *snapshot.Repository { return r.repo }

// Run takes one snapshot and applies retention.
//
// A sync failure keeps the new snapshot, still runs retention and is then
// returned. Any other failure stops the run at the step that failed.
func (r *Runner) Run(ctx context.Context, origin journal.Origin) (Report, error) {
	started := r.now()
	rep := Report{RunID: r.begin(ctx, origin)}
	logger := log.WithRun(r.logger, rep.RunID)
	logger.Info("run started", "origin", origin, "destination", r.repo.Root())

	token, err := lock.Acquire(r.lockPath)
	if err != nil {
		r.fail(ctx, logger, &rep, started, err)
		return rep, err
	}
	defer func() {
		if relErr := token.Release(); relErr != nil {
			logger.Warn("failed to release lock", "path", token.Path(), "error", relErr)
		}
	}()

	usage, err := preflight.Run(ctx, r.prober, r.repo.Root(), preflight.Thresholds{
		MinFreeMB:     r.cfg.Preflight.MinFreeMB,
		MinFreeInodes: r.cfg.Preflight.MinFreeInodes,
	})
	rep.Usage = usage
	if r.metrics != nil && (usage.FreeBytes > 0 || usage.FreeInodes > 0) {
		r.metrics.ObserveCapacity(usage.FreeBytes, usage.FreeInodes)
	}
	if err != nil {
		r.fail(ctx, logger, &rep, started, err)
		return rep, err
	}

	history, err := r.repo.List()
	if err != nil {
		r.fail(ctx, logger, &rep, started, err)
		return rep, err
	}

	snap, syncErr := r.creator.Create(ctx, history, snapshot.Request{
		Sources:  r.cfg.Sources(),
		Excludes: r.cfg.Exclude,
	})
	rep.Snapshot = snap
	if syncErr != nil && !errors.Is(syncErr, snapshot.ErrSyncFailed) {
		r.fail(ctx, logger, &rep, started, syncErr)
		return rep, syncErr
	}
	if r.metrics != nil {
		r.metrics.ObserveSyncExit(SyncCode(syncErr))
	}

	res, err := r.applyRetention(ctx, logger, rep.RunID, r.policy)
	rep.Retention = res
	if err != nil {
		r.fail(ctx, logger, &rep, started, errors.Join(syncErr, err))
		return rep, errors.Join(syncErr, err)
	}

	if syncErr != nil {
		r.fail(ctx, logger, &rep, started, syncErr)
		return rep, syncErr
	}

	r.finish(ctx, logger, rep, started, journal.Outcome{
		Status:         journal.StatusSucceeded,
		Snapshot:       snap.Name,
		SyncCode:       intPtr(0),
		Deleted:        len(res.Deleted),
		DeleteFailures: len(res.Failed),
	})
	logger.Info("run finished", "snapshot", snap.Name, "deleted", len(res.Deleted),
		"delete_failures", len(res.Failed), "took", r.now().Sub(started).Round(time.Millisecond))
	return rep, nil
}

// Prune applies retention alone, under the same lock as Run. A dry run
// deletes nothing and is not journaled.
func (r *Runner) Prune(ctx context.Context, dryRun bool) (retention.Result, error) {
	started := r.now()
	var runID string
	if !dryRun {
		runID = r.begin(ctx, journal.OriginPrune)
	}
	logger := r.logger
	if runID != "" {
		logger = log.WithRun(logger, runID)
	}

	token, err := lock.Acquire(r.lockPath)
	if err != nil {
		if !dryRun {
			rep := Report{RunID: runID}
			r.fail(ctx, logger, &rep, started, err)
		}
		return retention.Result{}, err
	}
	defer func() {
		if relErr := token.Release(); relErr != nil {
			logger.Warn("failed to release lock", "path", token.Path(), "error", relErr)
		}
	}()

	policy := *r.policy
	policy.DryRun = dryRun
	res, err := r.applyRetention(ctx, logger, runID, &policy)
	if dryRun {
		return res, err
	}

	rep := Report{RunID: runID, Retention: res}
	if err != nil {
		r.fail(ctx, logger, &rep, started, err)
		return res, err
	}
	r.finish(ctx, logger, rep, started, journal.Outcome{
		Status:         journal.StatusSucceeded,
		Deleted:        len(res.Deleted),
		DeleteFailures: len(res.Failed),
	})
	return res, nil
}

// Plan computes the retention plan for the current snapshots without taking
// the lock or touching anything.
func (r *Runner) Plan(now time.Time) (retention.Plan, error) {
	history, err := r.repo.List()
	if err != nil {
		return retention.Plan{}, err
	}
	return retention.Compute(history, now, r.cfg.Retention, r.protected()...), nil
}

// protected returns the snapshot the latest pointer targets, which retention
// must never remove.
func (r *Runner) protected() []string {
	ptr, err := r.repo.Latest()
	if err != nil || ptr.State != snapshot.PointerValid {
		return nil
	}
	return []string{ptr.Name()}
}

func (r *Runner) applyRetention(ctx context.Context, logger *slog.Logger, runID string, policy *retention.Policy) (retention.Result, error) {
	history, err := r.repo.List()
	if err != nil {
		return retention.Result{}, err
	}
	res, err := policy.Apply(ctx, history, r.now(), r.protected()...)

	if r.journal != nil && runID != "" && !policy.DryRun {
		for _, s := range res.Deleted {
			if jErr := r.journal.RecordDeletion(ctx, runID, s.Name, nil); jErr != nil {
				logger.Warn("journal: record deletion failed", "snapshot", s.Name, "error", jErr)
			}
		}
		for _, f := range res.Failed {
			if jErr := r.journal.RecordDeletion(ctx, runID, f.Snapshot.Name, f.Err); jErr != nil {
				logger.Warn("journal: record deletion failed", "snapshot", f.Snapshot.Name, "error", jErr)
			}
		}
	}
	if r.metrics != nil && !policy.DryRun {
		r.metrics.ObserveRetention(len(res.Plan.Decisions)-len(res.Deleted), len(res.Deleted), len(res.Failed))
	}
	if err != nil {
		return res, fmt.Errorf("retention: %w", err)
	}
	return res, nil
}

func (r *Runner) begin(ctx context.Context, origin journal.Origin) string {
	if r.journal == nil {
		return ""
	}
	id, err := r.journal.Begin(ctx, origin)
	if err != nil {
		r.logger.Warn("journal: begin run failed", "error", err)
		return ""
	}
	return id
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, rep *Report, started time.Time, err error) {
	kind := Kind(err)
	status := journal.StatusFailed
	switch kind {
	case KindBusy:
		status = journal.StatusBusy
	case KindSync:
		status = journal.StatusSyncFailed
	}

	if kind == KindBusy {
		logger.Warn("run skipped", "kind", kind, "error", err)
	} else {
		logger.Error("run failed", "kind", kind, "error", err)
	}

	var code *int
	if errors.Is(err, snapshot.ErrSyncFailed) {
		code = intPtr(SyncCode(err))
	}
	r.finish(ctx, logger, *rep, started, journal.Outcome{
		Status:         status,
		Snapshot:       rep.Snapshot.Name,
		ErrorKind:      kind,
		Err:            err,
		SyncCode:       code,
		Deleted:        len(rep.Retention.Deleted),
		DeleteFailures: len(rep.Retention.Failed),
	})
}

func (r *Runner) finish(ctx context.Context, logger *slog.Logger, rep Report, started time.Time, o journal.Outcome) {
	finished := r.now()
	if r.journal != nil && rep.RunID != "" {
		// Record the outcome even when ctx was cancelled mid-run.
		jctx := context.WithoutCancel(ctx)
		if err := r.journal.Finish(jctx, rep.RunID, o); err != nil {
			logger.Warn("journal: finish run failed", "error", err)
		}
	}
	if r.metrics == nil {
		return
	}
	result := "success"
	if o.Status != journal.StatusSucceeded {
		result = o.ErrorKind
	}
	// Only a run that advanced the latest pointer counts as a success.
	advanced := o.Status == journal.StatusSucceeded && o.Snapshot != ""
	r.metrics.ObserveRun(result, advanced, finished.Sub(started), finished)
	// A busy run overlaps one that owns the textfile.
	if o.ErrorKind == KindBusy {
		return
	}
	if path := r.cfg.Metrics.Textfile; path != "" {
		if err := r.metrics.WriteTextfile(path); err != nil {
			logger.Warn("metrics: write textfile failed", "path", path, "error", err)
		}
	}
}

func intPtr(v int) *int { return &v }
