// Package doctor checks that a time-machine setup can take a snapshot.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/timemachine/internal/config"
	"github.com/mattjoyce/timemachine/internal/preflight"
	"github.com/mattjoyce/timemachine/internal/snapshot"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a loaded config against the machine it runs on.
type Doctor struct {
	cfg      *config.Config
	prober   preflight.Prober
	lookPath func(string) (string, error)
	fsCheck  func(string) (string, error)
}

// New creates a Doctor. A nil prober reads usage with statfs.
func New(cfg *config.Config, prober preflight.Prober) *Doctor {
	if prober == nil {
		prober = preflight.StatfsProber{}
	}
	return &Doctor{
		cfg:      cfg,
		prober:   prober,
		lookPath: exec.LookPath,
		fsCheck:  preflight.NetworkFilesystem,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	destOK := d.validateDestination(r)
	d.validateCommands(r)
	d.validateSources(r)
	if destOK {
		d.validatePointer(r)
		d.validateCapacity(ctx, r)
	}
	d.warnNetworkFilesystem(r)
	d.warnAPIExposure(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateDestination reports whether the destination exists and is usable.
func (d *Doctor) validateDestination(r *Result) bool {
	dest := d.cfg.Destination.Path
	info, err := os.Stat(dest)
	if errors.Is(err, os.ErrNotExist) {
		d.addWarning(r, "destination", "destination.path",
			fmt.Sprintf("%s does not exist yet; it is created on the first run", dest))
		return false
	}
	if err != nil {
		d.addError(r, "destination", "destination.path", err.Error())
		return false
	}
	if !info.IsDir() {
		d.addError(r, "destination", "destination.path", fmt.Sprintf("%s is not a directory", dest))
		return false
	}

	probe, err := os.CreateTemp(dest, ".doctor-*")
	if err != nil {
		d.addError(r, "destination", "destination.path", fmt.Sprintf("%s is not writable: %v", dest, err))
		return false
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true
}

// validateCommands checks that the external tools are on PATH.
func (d *Doctor) validateCommands(r *Result) {
	if _, err := d.lookPath(d.cfg.Sync.Command); err != nil {
		d.addError(r, "sync", "sync.command",
			fmt.Sprintf("sync command %q not found: %v", d.cfg.Sync.Command, err))
	}
	if d.cfg.Clone.Method == "exec" && len(d.cfg.Clone.Command) > 0 {
		bin := d.cfg.Clone.Command[0]
		if _, err := d.lookPath(bin); err != nil {
			d.addError(r, "clone", "clone.command",
				fmt.Sprintf("clone command %q not found: %v", bin, err))
		}
	}
}

// validateSources checks local source paths. Remote ones are left to rsync.
func (d *Doctor) validateSources(r *Result) {
	if d.cfg.Source.Host != "" {
		return
	}
	for i, p := range d.cfg.Source.Paths {
		if _, err := os.Stat(p); err != nil {
			d.addWarning(r, "source", fmt.Sprintf("source.paths[%d]", i),
				fmt.Sprintf("%s is not readable: %v", p, err))
		}
	}
}

// validatePointer checks the latest pointer against the snapshots on disk.
func (d *Doctor) validatePointer(r *Result) {
	repo := snapshot.NewRepository(d.cfg.Destination.Path)
	history, err := repo.List()
	if err != nil {
		d.addError(r, "snapshots", "", fmt.Sprintf("list snapshots: %v", err))
		return
	}
	ptr, err := repo.Latest()
	if err != nil {
		d.addError(r, "snapshots", "", fmt.Sprintf("read latest pointer: %v", err))
		return
	}

	newest, ok := history.Newest()
	if !ok {
		if ptr.State != snapshot.PointerAbsent {
			d.addWarning(r, "snapshots", "",
				fmt.Sprintf("no snapshots yet but the latest pointer is %s; it is removed on the first run", ptr.State))
		}
		return
	}

	if ptr.State != snapshot.PointerValid {
		broken := &snapshot.BrokenPointerError{
			Root:   repo.Root(),
			State:  ptr.State,
			Target: ptr.Target,
			Newest: newest.Name,
		}
		d.addError(r, "snapshots", "", broken.Error())
		return
	}
	if _, known := history.Find(ptr.Name()); !known {
		d.addWarning(r, "snapshots", "",
			fmt.Sprintf("latest points to %s, which is not a snapshot in %s", ptr.Target, repo.Root()))
		return
	}
	if ptr.Name() != newest.Name {
		d.addWarning(r, "snapshots", "",
			fmt.Sprintf("latest points to %s but %s is newer; the sync of %s may have failed",
				ptr.Name(), newest.Name, newest.Name))
	}
}

func (d *Doctor) validateCapacity(ctx context.Context, r *Result) {
	t := preflight.Thresholds{
		MinFreeMB:     d.cfg.Preflight.MinFreeMB,
		MinFreeInodes: d.cfg.Preflight.MinFreeInodes,
	}
	_, err := preflight.Run(ctx, d.prober, d.cfg.Destination.Path, t)
	switch {
	case err == nil:
	case errors.Is(err, preflight.ErrCapacity):
		d.addError(r, "capacity", "preflight", err.Error())
	default:
		d.addWarning(r, "capacity", "preflight", err.Error())
	}
}

func (d *Doctor) warnNetworkFilesystem(r *Result) {
	fsType, err := d.fsCheck(d.cfg.Destination.Path)
	if err != nil {
		d.addWarning(r, "destination", "destination.path",
			fmt.Sprintf("could not detect filesystem type: %v", err))
		return
	}
	if fsType != "" {
		d.addWarning(r, "destination", "destination.path",
			fmt.Sprintf("destination is on a %s network filesystem; hard links and locking may be unreliable", fsType))
	}
}

func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.Token != "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return
	}
	d.addWarning(r, "api", "api.token",
		fmt.Sprintf("api listens on %s without a token; snapshot names and run history are readable by anyone who can reach it",
			d.cfg.API.Listen))
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Setup looks good.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Setup usable")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Setup broken (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data) + "\n", nil
}

