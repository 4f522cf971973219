package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/timemachine/internal/config"
	"github.com/mattjoyce/timemachine/internal/preflight"
)

type stubProber struct {
	usage preflight.Usage
	err   error
}

func (s stubProber) Usage(context.Context, string) (preflight.Usage, error) {
	return s.usage, s.err
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Source.Paths = []string{t.TempDir()}
	cfg.Destination.Path = t.TempDir()
	return cfg
}

func newDoctor(cfg *config.Config, p preflight.Prober) *Doctor {
	d := New(cfg, p)
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	d.fsCheck = func(string) (string, error) { return "", nil }
	return d
}

func mkSnapshot(t *testing.T, dest, name string) {
	t.Helper()
	if err := os.Mkdir(filepath.Join(dest, name), 0o755); err != nil {
		t.Fatal(err)
	}
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, i := range issues {
		if i.Category == category && strings.Contains(i.Message, substr) {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(t), stubProber{}).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", r.Warnings)
	}
}

func TestValidate_MissingDestinationIsWarning(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Destination.Path = filepath.Join(cfg.Destination.Path, "not-yet")

	r := newDoctor(cfg, stubProber{}).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "destination", "created on the first run") {
		t.Fatalf("expected destination warning, got %v", r.Warnings)
	}
}

func TestValidate_DestinationIsFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	file := filepath.Join(cfg.Destination.Path, "file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Destination.Path = file

	r := newDoctor(cfg, stubProber{}).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "destination", "not a directory") {
		t.Fatalf("expected destination error, got %v", r.Errors)
	}
}

func TestValidate_MissingCommands(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t), stubProber{})
	d.lookPath = func(name string) (string, error) {
		return "", errors.New("executable file not found in $PATH")
	}

	r := d.Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "sync", `"rsync"`) {
		t.Errorf("expected sync error, got %v", r.Errors)
	}
	if !hasIssue(r.Errors, "clone", `"cp"`) {
		t.Errorf("expected clone error, got %v", r.Errors)
	}
}

func TestValidate_NativeCloneSkipsCloneCommand(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Clone.Method = "native"
	d := newDoctor(cfg, stubProber{})
	d.lookPath = func(name string) (string, error) {
		if name == "cp" {
			t.Fatal("clone command must not be looked up for the native method")
		}
		return "/usr/bin/" + name, nil
	}

	if r := d.Validate(context.Background()); !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_MissingLocalSource(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Source.Paths = append(cfg.Source.Paths, "/does/not/exist")

	r := newDoctor(cfg, stubProber{}).Validate(context.Background())
	if !hasIssue(r.Warnings, "source", "/does/not/exist") {
		t.Fatalf("expected source warning, got %v", r.Warnings)
	}
}

func TestValidate_RemoteSourceNotChecked(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Source.Host = "nas"
	cfg.Source.Paths = []string{"/does/not/exist"}

	r := newDoctor(cfg, stubProber{}).Validate(context.Background())
	if hasIssue(r.Warnings, "source", "") {
		t.Fatalf("remote sources must not be stat'ed, got %v", r.Warnings)
	}
}

func TestValidate_BrokenPointer(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	mkSnapshot(t, cfg.Destination.Path, "2024-06-01_00:00:00_GMT")

	r := newDoctor(cfg, stubProber{}).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "snapshots", "ln -s 2024-06-01_00:00:00_GMT") {
		t.Fatalf("expected repair hint, got %v", r.Errors)
	}
}

func TestValidate_PointerBehindNewest(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	mkSnapshot(t, cfg.Destination.Path, "2024-06-01_00:00:00_GMT")
	mkSnapshot(t, cfg.Destination.Path, "2024-06-02_00:00:00_GMT")
	if err := os.Symlink("2024-06-01_00:00:00_GMT", filepath.Join(cfg.Destination.Path, "latest")); err != nil {
		t.Fatal(err)
	}

	r := newDoctor(cfg, stubProber{}).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "snapshots", "may have failed") {
		t.Fatalf("expected stale pointer warning, got %v", r.Warnings)
	}
}

func TestValidate_Capacity(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Preflight.MinFreeMB = 100

	r := newDoctor(cfg, stubProber{usage: preflight.Usage{FreeBytes: 1024, FreeInodes: 10}}).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if !hasIssue(r.Errors, "capacity", "insufficient free space") {
		t.Fatalf("expected capacity error, got %v", r.Errors)
	}

	r = newDoctor(cfg, stubProber{err: errors.New("statfs: boom")}).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("probe failure should only warn, got %v", r.Errors)
	}
	if !hasIssue(r.Warnings, "capacity", "boom") {
		t.Fatalf("expected capacity warning, got %v", r.Warnings)
	}
}

func TestValidate_NetworkFilesystem(t *testing.T) {
	t.Parallel()
	d := newDoctor(validConfig(t), stubProber{})
	d.fsCheck = func(string) (string, error) { return "nfs", nil }

	r := d.Validate(context.Background())
	if !hasIssue(r.Warnings, "destination", "nfs network filesystem") {
		t.Fatalf("expected network filesystem warning, got %v", r.Warnings)
	}
}

func TestValidate_APIExposure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		listen string
		token  string
		warn   bool
	}{
		{name: "loopback", listen: "127.0.0.1:9137"},
		{name: "localhost", listen: "localhost:9137"},
		{name: "public no token", listen: "0.0.0.0:9137", warn: true},
		{name: "public with token", listen: "0.0.0.0:9137", token: "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.API.Enabled = true
			cfg.API.Listen = tt.listen
			cfg.API.Token = tt.token

			r := newDoctor(cfg, stubProber{}).Validate(context.Background())
			if got := hasIssue(r.Warnings, "api", "without a token"); got != tt.warn {
				t.Fatalf("warning = %v, want %v (%v)", got, tt.warn, r.Warnings)
			}
		})
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	if got := FormatHuman(&Result{Valid: true}); got != "Setup looks good.\n" {
		t.Fatalf("unexpected output %q", got)
	}

	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "sync", Field: "sync.command", Message: "not found"}},
		Warnings: []Issue{{Category: "snapshots", Message: "stale"}},
	}
	out := FormatHuman(r)
	for _, want := range []string{
		"Setup broken (1 error(s), 1 warning(s))",
		"ERROR [sync] sync.command: not found",
		"WARN  [snapshots] stale",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true, Warnings: []Issue{{Category: "api", Message: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) || !strings.Contains(out, `"category": "api"`) {
		t.Fatalf("unexpected json %s", out)
	}
}
