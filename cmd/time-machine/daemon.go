package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/timemachine/internal/api"
	"github.com/mattjoyce/timemachine/internal/scheduler"
)

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	schedule := fs.String("schedule", "", "Cron spec overriding schedule.cron")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}
	if *schedule != "" {
		cfg.Schedule.Cron = *schedule
	}
	if cfg.Schedule.Cron == "" {
		fmt.Fprintln(os.Stderr, "Config error: schedule.cron is empty")
		return exitUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := openEnv(ctx, cfg, envOptions{mutating: true, journal: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return exitFailure
	}
	defer e.Close()
	logger := e.logger

	r := e.runner()

	var pruner scheduler.JournalPruner
	if e.journal != nil {
		pruner = e.journal
	}
	sched := scheduler.New(cfg.Schedule.Cron, r, pruner, cfg.State.RunLogRetention, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		return exitUsage
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		var runs api.RunStore
		if e.journal != nil {
			runs = e.journal
		}
		apiServer := api.New(
			api.Config{Listen: cfg.API.Listen, Token: cfg.API.Token},
			r.Repository(), r, runs, e.metrics.Handler(),
			logger,
		)
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("time-machine daemon running (press Ctrl+C to stop)",
		"destination", cfg.Destination.Path, "schedule", cfg.Schedule.Cron)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return exitFailure
	}

	logger.Info("time-machine daemon stopped")
	return exitOK
}
