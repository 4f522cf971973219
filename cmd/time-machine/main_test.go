package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/timemachine/internal/api"
	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func captureCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int {
		return runCLI(args)
	})
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// testSetup is a config file with a local source, a destination and a fake
// sync tool that exits with syncExit.
type testSetup struct {
	configPath string
	source     string
	dest       string
}

func newTestSetup(t *testing.T, syncExit int, extra string) testSetup {
	t.Helper()
	dir := t.TempDir()

	source := filepath.Join(dir, "source")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	syncTool := filepath.Join(dir, "fake-rsync")
	script := fmt.Sprintf("#!/bin/sh\nexit %d\n", syncExit)
	if err := os.WriteFile(syncTool, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "backup")
	cfg := fmt.Sprintf(`source:
  paths:
    - %s
destination:
  path: %s
sync:
  command: %s
%s`, source, dest, syncTool, extra)

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return testSetup{configPath: configPath, source: source, dest: dest}
}

func mkSnapshots(t *testing.T, dest string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.MkdirAll(filepath.Join(dest, n), 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunCLIUsage(t *testing.T) {
	code, stdout, _ := captureCLI(t)
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Fatalf("usage not printed: %q", stdout)
	}

	code, stdout, _ = captureCLI(t, "help")
	if code != exitOK || !strings.Contains(stdout, "time-machine -c FILE") {
		t.Fatalf("help: code=%d stdout=%q", code, stdout)
	}
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureCLI(t, "frobnicate")
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2024-06-01T12:00:00+02:00")

	code, stdout, _ := captureCLI(t, "version", "--json")
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	want := versionInfo{Version: "1.2.3", Commit: "0123456789ab", BuildTime: "2024-06-01T10:00:00Z"}
	if info != want {
		t.Fatalf("version = %+v, want %+v", info, want)
	}
}

func TestVersionRejectsArgs(t *testing.T) {
	code, _, stderr := captureCLI(t, "version", "extra")
	if code != exitUsage || !strings.Contains(stderr, "Usage: time-machine version") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestConfigShowMasksToken(t *testing.T) {
	s := newTestSetup(t, 0, "api:\n  enabled: true\n  token: hunter2\n")

	code, stdout, stderr := captureCLI(t, "config", "show", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}
	if strings.Contains(stdout, "hunter2") {
		t.Fatalf("token leaked: %q", stdout)
	}
	if !strings.Contains(stdout, "keep_one_per_month: 12") {
		t.Fatalf("defaults not shown: %q", stdout)
	}

	code, stdout, _ = captureCLI(t, "config", "show", "--json", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("json exit code = %d", code)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	dest := doc["destination"].(map[string]any)
	if dest["path"] != s.dest {
		t.Fatalf("destination = %v", dest["path"])
	}
}

func TestConfigLockDetectsTampering(t *testing.T) {
	s := newTestSetup(t, 0, "")

	code, stdout, stderr := captureCLI(t, "config", "lock", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("lock exit code = %d, stderr %q", code, stderr)
	}
	if !strings.Contains(stdout, "Locked") {
		t.Fatalf("stdout = %q", stdout)
	}

	if code, _, stderr := captureCLI(t, "list", "--config", s.configPath); code != exitOK {
		t.Fatalf("list after lock: code=%d stderr=%q", code, stderr)
	}

	f, err := os.OpenFile(s.configPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("exclude:\n  - '*.tmp'\n")
	_ = f.Close()

	code, _, stderr = captureCLI(t, "list", "--config", s.configPath)
	if code != exitUsage || !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("tampered config: code=%d stderr=%q", code, stderr)
	}
}

func TestConfigLockRefusesInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("destination:\n  path: /tmp/x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, _, stderr := captureCLI(t, "config", "lock", "--config", path)
	if code != exitUsage || !strings.Contains(stderr, "Refusing to lock") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestListEmptyAndJSON(t *testing.T) {
	s := newTestSetup(t, 0, "")

	code, stdout, _ := captureCLI(t, "list", "--config", s.configPath)
	if code != exitOK || !strings.Contains(stdout, "No snapshots") {
		t.Fatalf("code=%d stdout=%q", code, stdout)
	}

	mkSnapshots(t, s.dest, "2024-06-01_00:00:00_GMT", "2024-06-02_00:00:00_GMT")
	if err := snapshot.NewRepository(s.dest).SetLatest("2024-06-02_00:00:00_GMT"); err != nil {
		t.Fatal(err)
	}

	code, stdout, _ = captureCLI(t, "list", "--json", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("exit code = %d", code)
	}
	var resp api.SnapshotsResponse
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if len(resp.Snapshots) != 2 || resp.Latest != "2024-06-02_00:00:00_GMT" || resp.Pointer != "valid" {
		t.Fatalf("unexpected list %+v", resp)
	}

	code, stdout, _ = captureCLI(t, "ls", "-c", s.configPath)
	if code != exitOK || !strings.Contains(stdout, "<- latest") {
		t.Fatalf("code=%d stdout=%q", code, stdout)
	}
}

func TestPlan(t *testing.T) {
	s := newTestSetup(t, 0, "")
	mkSnapshots(t, s.dest,
		"2024-01-01_00:00:00_GMT",
		"2024-01-02_00:00:00_GMT",
		"2024-06-01_00:00:00_GMT",
	)

	code, stdout, stderr := captureCLI(t, "plan", "--now", "2024-06-02T00:00:00Z", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}
	if !strings.Contains(stdout, "2 keep, 1 delete") {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "monthly 2024-01") {
		t.Fatalf("reasons missing: %q", stdout)
	}

	code, _, stderr = captureCLI(t, "plan", "--now", "tomorrow", "--config", s.configPath)
	if code != exitUsage || !strings.Contains(stderr, "Invalid --now") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestPruneDryRunThenReal(t *testing.T) {
	s := newTestSetup(t, 0, "")
	mkSnapshots(t, s.dest,
		"2020-03-01_00:00:00_GMT",
		"2020-03-02_00:00:00_GMT",
	)

	// Both are in 2020 and the only survivor is the newest.
	code, stdout, stderr := captureCLI(t, "prune", "--dry-run", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("dry run: code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "Would delete 2020-03-01_00:00:00_GMT") {
		t.Fatalf("stdout = %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(s.dest, "2020-03-01_00:00:00_GMT")); err != nil {
		t.Fatalf("dry run deleted a snapshot: %v", err)
	}

	code, stdout, stderr = captureCLI(t, "prune", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("prune: code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stdout, "Deleted 2020-03-01_00:00:00_GMT") {
		t.Fatalf("stdout = %q", stdout)
	}
	if _, err := os.Stat(filepath.Join(s.dest, "2020-03-01_00:00:00_GMT")); !os.IsNotExist(err) {
		t.Fatalf("snapshot still present: %v", err)
	}
}

func TestDiff(t *testing.T) {
	s := newTestSetup(t, 0, "")
	mkSnapshots(t, s.dest, "2024-06-01_00:00:00_GMT", "2024-06-02_00:00:00_GMT")
	if err := os.WriteFile(filepath.Join(s.dest, "2024-06-02_00:00:00_GMT", "new.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureCLI(t, "diff", "--json", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}
	var report snapshot.DiffReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if len(report.Added) != 1 || report.Added[0].Path != "new.txt" || len(report.Removed) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	code, _, stderr = captureCLI(t, "diff", "--config", s.configPath, "2024-06-01_00:00:00_GMT")
	if code != exitUsage || !strings.Contains(stderr, "oldest snapshot") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestCheckValidSetup(t *testing.T) {
	s := newTestSetup(t, 0, "")
	if err := os.MkdirAll(s.dest, 0o755); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := captureCLI(t, "check", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("exit code = %d, stdout %q stderr %q", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Setup") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestCheckMissingConfig(t *testing.T) {
	code, _, stderr := captureCLI(t, "check", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if code != exitUsage || !strings.Contains(stderr, "config file not found") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestRunCreatesSnapshotAndJournal(t *testing.T) {
	s := newTestSetup(t, 0, "")

	code, stdout, stderr := captureCLI(t, "run", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}
	if !strings.Contains(stdout, "created") {
		t.Fatalf("stdout = %q", stdout)
	}

	ptr, err := snapshot.NewRepository(s.dest).Latest()
	if err != nil {
		t.Fatal(err)
	}
	if ptr.State != snapshot.PointerValid {
		t.Fatalf("latest pointer = %s", ptr.State)
	}
	if _, err := os.Stat(filepath.Join(s.dest, "time-machine.log")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}

	code, stdout, _ = captureCLI(t, "runs", "--json", "--config", s.configPath)
	if code != exitOK {
		t.Fatalf("runs exit code = %d", code)
	}
	var runs []journal.Run
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if len(runs) != 1 || runs[0].Status != journal.StatusSucceeded || runs[0].Origin != journal.OriginCLI {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if runs[0].Snapshot != ptr.Name() {
		t.Fatalf("journal snapshot = %q, latest = %q", runs[0].Snapshot, ptr.Name())
	}

	code, stdout, _ = captureCLI(t, "runs", "--run", runs[0].ID, "--config", s.configPath)
	if code != exitOK || !strings.Contains(stdout, "succeeded") {
		t.Fatalf("run detail: code=%d stdout=%q", code, stdout)
	}
}

func TestRunLegacyFlagForm(t *testing.T) {
	s := newTestSetup(t, 0, "")

	code, _, stderr := captureCLI(t, "-c", s.configPath)
	if code != exitOK {
		t.Fatalf("exit code = %d, stderr %q", code, stderr)
	}
	history, err := snapshot.NewRepository(s.dest).List()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(history))
	}
}

func TestRunSyncFailureKeepsSnapshot(t *testing.T) {
	s := newTestSetup(t, 24, "")

	code, _, stderr := captureCLI(t, "run", "--config", s.configPath)
	if code != exitFailure {
		t.Fatalf("exit code = %d, want %d", code, exitFailure)
	}
	if !strings.Contains(stderr, "Run failed (sync)") {
		t.Fatalf("stderr = %q", stderr)
	}
	if !strings.Contains(stderr, "kept for inspection") {
		t.Fatalf("stderr = %q", stderr)
	}

	repo := snapshot.NewRepository(s.dest)
	history, err := repo.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("snapshots = %d, want the failed one kept", len(history))
	}
	ptr, err := repo.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if ptr.State != snapshot.PointerAbsent {
		t.Fatalf("latest pointer = %s, want absent", ptr.State)
	}
}

func TestRunsWithoutJournal(t *testing.T) {
	s := newTestSetup(t, 0, "")
	code, stdout, _ := captureCLI(t, "runs", "--config", s.configPath)
	if code != exitOK || !strings.Contains(stdout, "No runs recorded.") {
		t.Fatalf("code=%d stdout=%q", code, stdout)
	}
}
