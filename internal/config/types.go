package config

import (
	"time"

	"github.com/mattjoyce/timemachine/internal/retention"
)

// Config represents the complete time-machine configuration.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Exclude     []string          `yaml:"exclude"`
	Destination DestinationConfig `yaml:"destination"`
	Retention   retention.Config  `yaml:"retention"`
	Preflight   PreflightConfig   `yaml:"preflight"`
	Sync        SyncConfig        `yaml:"sync"`
	Clone       CloneConfig       `yaml:"clone"`
	Log         LogConfig         `yaml:"log"`
	State       StateConfig       `yaml:"state"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	API         APIConfig         `yaml:"api"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// SourceConfig names what is backed up. With Host set every path is fetched
// over ssh as user@host:path.
type SourceConfig struct {
	Host  string   `yaml:"host"`
	User  string   `yaml:"user"`
	Paths []string `yaml:"paths" validate:"required,min=1,dive,required"`
}

// DestinationConfig is where snapshots live.
type DestinationConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// PreflightConfig holds the capacity minimums. Zero disables a check.
type PreflightConfig struct {
	MinFreeMB     uint64 `yaml:"min_free_mb"`
	MinFreeInodes uint64 `yaml:"min_free_inodes"`
}

// SyncConfig controls the rsync invocation.
type SyncConfig struct {
	Command   string   `yaml:"command" validate:"required"`
	ExtraArgs []string `yaml:"extra_args"`
}

// CloneConfig selects how the previous snapshot is hard-link copied.
type CloneConfig struct {
	Method  string   `yaml:"method" validate:"oneof=exec native"`
	Command []string `yaml:"command"`
}

// LogConfig controls logging. A relative File is placed in the destination.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
	File   string `yaml:"file"`
}

// StateConfig controls the run journal. An empty Path means
// <destination>/.time-machine.db.
type StateConfig struct {
	Path            string        `yaml:"path"`
	RunLogRetention time.Duration `yaml:"run_log_retention" validate:"gte=0"`
}

// MetricsConfig enables the node_exporter textfile output.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// ScheduleConfig drives daemon mode.
type ScheduleConfig struct {
	Cron string `yaml:"cron"`
}

// APIConfig defines the read-only HTTP status server run by the daemon.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"required_if=Enabled true"`
	Token   string `yaml:"token"`
}

// ChecksumManifest is the .checksums file written by config lock.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Retention: retention.Config{
			KeepAllDays:     1,
			KeepOnePerDay:   7,
			KeepOnePerWeek:  4,
			KeepOnePerMonth: 12,
		},
		Sync: SyncConfig{
			Command: "rsync",
		},
		Clone: CloneConfig{
			Method:  "exec",
			Command: []string{"cp", "-al"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "time-machine.log",
		},
		State: StateConfig{
			RunLogRetention: 90 * 24 * time.Hour,
		},
		Schedule: ScheduleConfig{
			Cron: "@hourly",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9137",
		},
	}
}
