package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config gets defaults",
			yaml: `
source:
  paths: [/home, /etc]
destination:
  path: /backup
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Retention.KeepAllDays != 1 || cfg.Retention.KeepOnePerDay != 7 ||
					cfg.Retention.KeepOnePerWeek != 4 || cfg.Retention.KeepOnePerMonth != 12 {
					t.Errorf("retention defaults not applied: %+v", cfg.Retention)
				}
				if cfg.Sync.Command != "rsync" {
					t.Errorf("sync.command = %q, want rsync", cfg.Sync.Command)
				}
				if !reflect.DeepEqual(cfg.Clone.Command, []string{"cp", "-al"}) {
					t.Errorf("clone.command = %v", cfg.Clone.Command)
				}
				if cfg.State.RunLogRetention != 90*24*time.Hour {
					t.Errorf("state.run_log_retention = %v", cfg.State.RunLogRetention)
				}
				if cfg.StatePath() != "/backup/.time-machine.db" {
					t.Errorf("StatePath() = %q", cfg.StatePath())
				}
				if cfg.LogPath() != "/backup/time-machine.log" {
					t.Errorf("LogPath() = %q", cfg.LogPath())
				}
			},
		},
		{
			name: "explicit zero retention tiers are kept",
			yaml: `
source: {paths: [/home]}
destination: {path: /backup}
retention:
  keep_all_days: 0
  keep_one_per_day: 0
  keep_one_per_week: 2
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Retention.KeepAllDays != 0 || cfg.Retention.KeepOnePerDay != 0 {
					t.Errorf("explicit zeros overwritten: %+v", cfg.Retention)
				}
				if cfg.Retention.KeepOnePerWeek != 2 || cfg.Retention.KeepOnePerMonth != 12 {
					t.Errorf("unexpected retention: %+v", cfg.Retention)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
source:
  host: ${TM_HOST}
  user: backup
  paths: [/srv]
destination:
  path: ${TM_DEST}
api:
  enabled: true
  token: ${TM_TOKEN}
`,
			env: map[string]string{"TM_HOST": "db1.internal", "TM_DEST": "/mnt/backup", "TM_TOKEN": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Destination.Path != "/mnt/backup" {
					t.Errorf("destination.path = %q", cfg.Destination.Path)
				}
				if got := cfg.Sources(); !reflect.DeepEqual(got, []string{"backup@db1.internal:/srv"}) {
					t.Errorf("Sources() = %v", got)
				}
				if cfg.API.Token != "s3cret" || cfg.API.Listen != "127.0.0.1:9137" {
					t.Errorf("api = %+v", cfg.API)
				}
			},
		},
		{
			name: "unset env var rejected",
			yaml: `
source: {paths: [/home]}
destination: {path: "${TM_UNSET_DEST_FOR_TEST}"}
`,
			wantErr: "unset environment variable",
		},
		{
			name:    "missing source paths",
			yaml:    "destination: {path: /backup}\n",
			wantErr: "source.paths is required",
		},
		{
			name: "bad log level",
			yaml: `
source: {paths: [/home]}
destination: {path: /backup}
log: {level: verbose}
`,
			wantErr: "log.level must be one of",
		},
		{
			name: "negative retention",
			yaml: `
source: {paths: [/home]}
destination: {path: /backup}
retention: {keep_one_per_day: -1}
`,
			wantErr: "retention.keep_one_per_day must be greater than or equal to 0",
		},
		{
			name: "user without host",
			yaml: `
source: {user: backup, paths: [/home]}
destination: {path: /backup}
`,
			wantErr: "source.host is empty",
		},
		{
			name: "bad cron",
			yaml: `
source: {paths: [/home]}
destination: {path: /backup}
schedule: {cron: "every tuesday"}
`,
			wantErr: "schedule.cron",
		},
		{
			name: "unknown key",
			yaml: `
source: {paths: [/home]}
destination: {path: /backup}
smart_remove: {keep_all: 1}
`,
			wantErr: "smart_remove",
		},
		{
			name: "native clone needs no command",
			yaml: `
source: {paths: [/home]}
destination: {path: /backup}
clone: {method: native, command: []}
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Clone.Method != "native" {
					t.Errorf("clone.method = %q", cfg.Clone.Method)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Path != path {
				t.Errorf("cfg.Path = %q, want %q", cfg.Path, path)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadResolvesRelativeDestination(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := "source: {paths: [/home]}\ndestination: {path: snaps}\nlog: {file: /var/log/tm.log}\nstate: {path: state/tm.db}\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	want := filepath.Join(dir, "snaps")
	if cfg.Destination.Path != want {
		t.Errorf("destination.path = %q, want %q", cfg.Destination.Path, want)
	}
	if cfg.LogPath() != "/var/log/tm.log" {
		t.Errorf("LogPath() = %q", cfg.LogPath())
	}
	if cfg.StatePath() != filepath.Join(want, "state", "tm.db") {
		t.Errorf("StatePath() = %q", cfg.StatePath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "Hint:") {
		t.Fatalf("expected hint in error, got %v", err)
	}
}

func TestSourcesLocalAndHostOnly(t *testing.T) {
	cfg := &Config{Source: SourceConfig{Paths: []string{"/a", "/b"}}}
	if got := cfg.Sources(); !reflect.DeepEqual(got, []string{"/a", "/b"}) {
		t.Errorf("local Sources() = %v", got)
	}
	cfg.Source.Host = "nas"
	if got := cfg.Sources(); !reflect.DeepEqual(got, []string{"nas:/a", "nas:/b"}) {
		t.Errorf("host-only Sources() = %v", got)
	}
}

func TestYAMLMasksToken(t *testing.T) {
	cfg := Defaults()
	cfg.API.Token = "s3cret"
	out, err := cfg.YAML()
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "s3cret") {
		t.Fatalf("token leaked in YAML output:\n%s", out)
	}
	if cfg.API.Token != "s3cret" {
		t.Fatal("YAML() must not mutate the config")
	}
}

func TestDiscoverHonoursEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tm.yaml")
	if err := os.WriteFile(path, []byte("x: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, path)

	got, err := Discover()
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if got != path {
		t.Errorf("Discover() = %q, want %q", got, path)
	}

	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Discover(); err == nil {
		t.Fatal("expected error for missing env config")
	}
}
