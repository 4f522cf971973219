package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattjoyce/timemachine/internal/config"
	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/log"
	"github.com/mattjoyce/timemachine/internal/metrics"
	"github.com/mattjoyce/timemachine/internal/runner"
	"github.com/mattjoyce/timemachine/internal/storage"
)

// addConfigFlags registers --config and its -c shorthand.
func addConfigFlags(fs *flag.FlagSet) *string {
	path := fs.String("config", "", "Path to config file or directory")
	fs.StringVar(path, "c", "", "Shorthand for --config")
	return path
}

func loadConfig(flagValue string) (*config.Config, error) {
	path := flagValue
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}

// env is the wiring shared by commands that touch the destination.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	journal *journal.Journal
	metrics *metrics.Metrics
	closers []io.Closer
}

type envOptions struct {
	// mutating commands create the destination and append to the log file.
	mutating bool
	journal  bool
}

func openEnv(ctx context.Context, cfg *config.Config, opts envOptions) (*env, error) {
	e := &env{cfg: cfg, metrics: metrics.New()}

	logOpts := log.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Console: os.Stderr,
	}
	if opts.mutating {
		if err := os.MkdirAll(cfg.Destination.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create destination: %w", err)
		}
		logOpts.File = cfg.LogPath()
	}
	logger, closer, err := log.New(logOpts)
	if err != nil {
		return nil, err
	}
	e.logger = logger
	e.closers = append(e.closers, closer)

	if opts.journal {
		db, err := storage.OpenSQLite(ctx, cfg.StatePath())
		if err != nil {
			// The journal is audit only; a run goes ahead without it.
			logger.Warn("run journal unavailable", "path", cfg.StatePath(), "error", err)
		} else {
			e.journal = journal.New(db)
			e.closers = append(e.closers, db)
		}
	}
	return e, nil
}

func (e *env) runner() *runner.Runner {
	deps := runner.Deps{Logger: e.logger, Metrics: e.metrics}
	if e.journal != nil {
		deps.Journal = e.journal
	}
	return runner.New(e.cfg, deps)
}

// pruneJournal drops runs older than the configured retention.
func (e *env) pruneJournal(ctx context.Context) {
	keep := e.cfg.State.RunLogRetention
	if e.journal == nil || keep <= 0 {
		return
	}
	if n, err := e.journal.Prune(ctx, keep); err != nil {
		e.logger.Warn("Failed to prune run journal", "error", err)
	} else if n > 0 {
		e.logger.Debug("Pruned run journal", "runs", n)
	}
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}
