package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

//go:generate mockgen -destination=mocks/mock_syncer.go -package=mocks github.com/mattjoyce/timemachine/internal/snapshot Syncer

// SyncRequest describes one sync into a snapshot directory.
type SyncRequest struct {
	Sources  []string
	Excludes []string
	Dest     string
}

// Syncer makes Dest mirror Sources, replacing files that changed so unchanged
// hard links stay shared with older snapshots.
type Syncer interface {
	Sync(ctx context.Context, req SyncRequest) error
}

// DefaultRsyncArgs are the rsync flags every sync runs with.
var DefaultRsyncArgs = []string{
	"--recursive",
	"--hard-links",
	"--links",
	"-D",
	"--times",
	"--delete",
	"--delete-excluded",
	"-v",
	"--itemize-changes",
	"--progress",
	"--relative",
}

var rsyncExitMeanings = map[int]string{
	0:  "Success",
	1:  "Syntax or usage error",
	2:  "Protocol incompatibility",
	3:  "Errors selecting input/output files, dirs",
	4:  "Requested action not supported",
	5:  "Error starting client-server protocol",
	6:  "Daemon unable to append to log-file",
	10: "Error in socket I/O",
	11: "Error in file I/O",
	12: "Error in rsync protocol data stream",
	13: "Errors with program diagnostics",
	14: "Error in IPC code",
	20: "Received SIGUSR1 or SIGINT",
	21: "Some error returned by waitpid()",
	22: "Error allocating core memory buffers",
	23: "Partial transfer due to error",
	24: "Partial transfer due to vanished source files",
	25: "The --max-delete limit stopped deletions",
	30: "Timeout in data send/receive",
	35: "Timeout waiting for daemon connection",
}

// ExitMeaning returns the human-readable meaning of an rsync exit code.
func ExitMeaning(code int) string {
	if m, ok := rsyncExitMeanings[code]; ok {
		return m
	}
	return fmt.Sprintf("unknown exit code %d", code)
}

// Rsync runs the rsync binary and streams its output to the logger.
type Rsync struct {
	Command   string
	ExtraArgs []string
	Logger    *slog.Logger
}

var _ Syncer = (*Rsync)(nil)

func (r *Rsync) command() string {
	if r.Command == "" {
		return "rsync"
	}
	return r.Command
}

func (r *Rsync) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return r.Logger
}

// Args builds the argument list: fixed flags, extra flags, one --exclude per
// pattern, the sources in order and finally the destination.
func (r *Rsync) Args(req SyncRequest) []string {
	args := make([]string, 0, len(DefaultRsyncArgs)+len(r.ExtraArgs)+len(req.Excludes)+len(req.Sources)+1)
	args = append(args, DefaultRsyncArgs...)
	args = append(args, r.ExtraArgs...)
	for _, ex := range req.Excludes {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, req.Sources...)
	args = append(args, req.Dest)
	return args
}

func (r *Rsync) Sync(ctx context.Context, req SyncRequest) error {
	logger := r.logger()
	name := r.command()
	args := r.Args(req)

	logger.Info("running sync", "cmd", name+" "+strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &LaunchError{Command: name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &LaunchError{Command: name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		logger.Error("sync could not start", "cmd", name, "error", err)
		return &LaunchError{Command: name, Err: err}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, func(line string) { logger.Info("rsync", "line", line) }, func(err error) {
			logger.Warn("rsync output dropped", "stream", "stdout", "error", err)
		})
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, func(line string) { logger.Warn("rsync", "stderr", line) }, func(err error) {
			logger.Warn("rsync output dropped", "stream", "stderr", "error", err)
		})
	}()
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		syncErr := &SyncError{Code: -1, Meaning: err.Error()}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				syncErr = &SyncError{Code: code, Meaning: ExitMeaning(code)}
			} else {
				syncErr.Meaning = "terminated abnormally: " + exitErr.ProcessState.String()
			}
		}
		logger.Error("sync failed", "code", syncErr.Code, "meaning", syncErr.Meaning)
		return syncErr
	}

	logger.Info("sources synced successfully", "dest", req.Dest)
	return nil
}

// maxLineBytes bounds one line of sync output.
const maxLineBytes = 1024 * 1024

// streamLines emits rd line by line. When a line exceeds maxLineBytes, dropped
// is called and the rest of rd is discarded.
func streamLines(rd io.Reader, emit func(string), dropped func(error)) {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.ReplaceAll(sc.Text(), "\r", "")
		if line == "" {
			continue
		}
		emit(line)
	}
	if err := sc.Err(); err != nil {
		dropped(err)
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, rd)
}
