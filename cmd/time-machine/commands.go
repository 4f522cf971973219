package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/timemachine/internal/api"
	"github.com/mattjoyce/timemachine/internal/doctor"
	"github.com/mattjoyce/timemachine/internal/journal"
	"github.com/mattjoyce/timemachine/internal/log"
	"github.com/mattjoyce/timemachine/internal/retention"
	"github.com/mattjoyce/timemachine/internal/runner"
	"github.com/mattjoyce/timemachine/internal/snapshot"
	"github.com/mattjoyce/timemachine/internal/storage"
	"github.com/mattjoyce/timemachine/internal/tui/browse"
)

var (
	keepStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	deleteStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// parseFlags parses args into fs. ok is false when the caller should return
// code straight away.
func parseFlags(fs *flag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return exitUsage, false
	}
	return exitOK, true
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return exitFailure
	}
	fmt.Println(string(data))
	return exitOK
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: time-machine run [--config PATH]")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}

	ctx, stop := signalContext()
	defer stop()

	e, err := openEnv(ctx, cfg, envOptions{mutating: true, journal: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return exitFailure
	}
	defer e.Close()

	rep, err := e.runner().Run(ctx, journal.OriginCLI)
	e.pruneJournal(context.WithoutCancel(ctx))

	for _, f := range rep.Retention.Failed {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", f)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed (%s): %v\n", runner.Kind(err), err)
		if errors.Is(err, snapshot.ErrSyncFailed) && rep.Snapshot.Name != "" {
			fmt.Fprintf(os.Stderr, "Snapshot %s was kept for inspection; latest was not advanced.\n", rep.Snapshot.Name)
		}
		return exitFailure
	}

	fmt.Printf("Snapshot %s created, %d old snapshot(s) removed\n", rep.Snapshot.Name, len(rep.Retention.Deleted))
	return exitOK
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}

	repo := snapshot.NewRepository(cfg.Destination.Path)
	history, err := repo.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list snapshots: %v\n", err)
		return exitFailure
	}
	ptr, err := repo.Latest()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read latest pointer: %v\n", err)
		return exitFailure
	}

	if *jsonOut {
		resp := api.SnapshotsResponse{Pointer: ptr.State.String(), Snapshots: history}
		if ptr.State == snapshot.PointerValid {
			resp.Latest = ptr.Name()
		}
		return printJSON(resp)
	}

	if len(history) == 0 {
		fmt.Printf("No snapshots in %s\n", cfg.Destination.Path)
		return exitOK
	}

	now := time.Now()
	for _, s := range history {
		mark := ""
		if ptr.State == snapshot.PointerValid && s.Name == ptr.Name() {
			mark = "  <- latest"
		}
		fmt.Printf("%s  %-16s%s\n", s.Name, humanize.RelTime(s.Timestamp, now, "ago", "from now"), mark)
	}
	fmt.Printf("\n%d snapshot(s), latest pointer: %s\n", len(history), ptr.State)
	return exitOK
}

func runPlan(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	nowFlag := fs.String("now", "", "Evaluate retention at this RFC3339 time instead of now")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	now := time.Now().UTC()
	if *nowFlag != "" {
		t, err := time.Parse(time.RFC3339, *nowFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --now %q: expected RFC3339\n", *nowFlag)
			return exitUsage
		}
		now = t.UTC()
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}

	r := runner.New(cfg, runner.Deps{})
	plan, err := r.Plan(now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to plan retention: %v\n", err)
		return exitFailure
	}

	if *jsonOut {
		return printJSON(plan)
	}
	printPlan(plan)
	return exitOK
}

func printPlan(plan retention.Plan) {
	if len(plan.Decisions) == 0 {
		fmt.Println("No snapshots.")
		return
	}
	for _, d := range plan.Decisions {
		verdict := deleteStyle.Render("delete")
		if d.Keep {
			verdict = keepStyle.Render("keep  ")
		}
		fmt.Printf("%s  %s  %-16s %s\n",
			d.Snapshot.Name,
			verdict,
			humanize.RelTime(d.Snapshot.Timestamp, plan.Now, "ago", "from now"),
			dimStyle.Render(strings.Join(d.Reasons, ", ")),
		)
	}
	kept := len(plan.Kept())
	fmt.Printf("\n%d keep, %d delete (evaluated at %s)\n", kept, len(plan.Decisions)-kept, plan.Now.Format(time.RFC3339))
}

func runPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	dryRun := fs.Bool("dry-run", false, "Report what would be deleted without deleting")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}

	ctx, stop := signalContext()
	defer stop()

	e, err := openEnv(ctx, cfg, envOptions{mutating: !*dryRun, journal: !*dryRun})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return exitFailure
	}
	defer e.Close()

	res, err := e.runner().Prune(ctx, *dryRun)
	verb := "Deleted"
	if *dryRun {
		verb = "Would delete"
	}
	for _, s := range res.Deleted {
		fmt.Printf("%s %s\n", verb, s.Name)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "Failed to delete %s: %v\n", f.Snapshot.Name, f.Err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed (%s): %v\n", runner.Kind(err), err)
		return exitFailure
	}
	if len(res.Deleted) == 0 && len(res.Failed) == 0 {
		fmt.Println("Nothing to prune.")
	}
	if len(res.Failed) > 0 {
		return exitFailure
	}
	return exitOK
}

func runDiff(args []string) int {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: time-machine diff [--config PATH] [--json] [OLD] [NEW]")
		fmt.Fprintln(os.Stderr, "With no snapshots named the two newest are compared. With one, it is")
		fmt.Fprintln(os.Stderr, "compared against the snapshot before it.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 2 {
		fs.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}

	repo := snapshot.NewRepository(cfg.Destination.Path)
	history, err := repo.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list snapshots: %v\n", err)
		return exitFailure
	}
	oldDir, newDir, err := diffPair(repo, history, fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitUsage
	}

	ctx, stop := signalContext()
	defer stop()

	report, err := snapshot.Diff(ctx, oldDir, newDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Diff failed: %v\n", err)
		return exitFailure
	}
	if *jsonOut {
		return printJSON(report)
	}
	if err := report.Render(os.Stdout); err != nil {
		return exitFailure
	}
	return exitOK
}

// diffPair resolves the directories to compare. Arguments containing a path
// separator are used as is; anything else names a snapshot.
func diffPair(repo *snapshot.Repository, history snapshot.History, names []string) (string, string, error) {
	resolve := func(arg string) string {
		if strings.ContainsRune(arg, filepath.Separator) {
			return arg
		}
		return repo.Path(arg)
	}

	switch len(names) {
	case 2:
		return resolve(names[0]), resolve(names[1]), nil
	case 1:
		for i, s := range history {
			if s.Name != names[0] {
				continue
			}
			if i == 0 {
				return "", "", fmt.Errorf("%s is the oldest snapshot, nothing to compare", s.Name)
			}
			return history[i-1].Path, s.Path, nil
		}
		return "", "", fmt.Errorf("snapshot %q not found in %s", names[0], repo.Root())
	default:
		if len(history) < 2 {
			return "", "", fmt.Errorf("need at least two snapshots to compare, found %d", len(history))
		}
		return history[len(history)-2].Path, history[len(history)-1].Path, nil
	}
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		if *jsonOut {
			printJSON(doctor.Result{Errors: []doctor.Issue{{Category: "config", Message: err.Error()}}})
		} else {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		}
		return exitUsage
	}

	result := doctor.New(cfg, nil).Validate(context.Background())

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return exitFailure
		}
		fmt.Print(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return exitUsage
	}
	return exitOK
}

func runRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	limit := fs.Int("limit", 20, "Number of runs to show")
	runID := fs.String("run", "", "Show one run and its deletions")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *limit < 1 {
		fmt.Fprintln(os.Stderr, "--limit must be at least 1")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}

	if _, err := os.Stat(cfg.StatePath()); errors.Is(err, os.ErrNotExist) {
		if *jsonOut && *runID == "" {
			fmt.Println("[]")
		} else {
			fmt.Println("No runs recorded.")
		}
		return exitOK
	}

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.StatePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open run journal: %v\n", err)
		return exitFailure
	}
	defer func() { _ = db.Close() }()
	j := journal.New(db)

	if *runID != "" {
		return showRun(ctx, j, *runID, *jsonOut)
	}

	runs, err := j.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read run journal: %v\n", err)
		return exitFailure
	}
	if *jsonOut {
		if runs == nil {
			runs = []journal.Run{}
		}
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return exitOK
	}
	for _, run := range runs {
		fmt.Println(formatRun(run))
	}
	return exitOK
}

func showRun(ctx context.Context, j *journal.Journal, id string, jsonOut bool) int {
	run, err := j.Get(ctx, id)
	if errors.Is(err, journal.ErrRunNotFound) {
		fmt.Fprintf(os.Stderr, "Run %s not found\n", id)
		return exitUsage
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read run: %v\n", err)
		return exitFailure
	}
	deletions, err := j.Deletions(ctx, id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read deletions: %v\n", err)
		return exitFailure
	}

	if jsonOut {
		if deletions == nil {
			deletions = []journal.Deletion{}
		}
		return printJSON(api.RunResponse{Run: run, Deletions: deletions})
	}

	fmt.Println(formatRun(run))
	if run.Error != "" {
		fmt.Printf("  error: %s\n", run.Error)
	}
	for _, d := range deletions {
		if d.Error != "" {
			fmt.Printf("  %s  %s\n", deleteStyle.Render("failed "+d.Snapshot), d.Error)
			continue
		}
		fmt.Printf("  deleted %s\n", d.Snapshot)
	}
	return exitOK
}

func formatRun(run journal.Run) string {
	took := "-"
	if run.FinishedAt != nil {
		took = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
	}
	status := string(run.Status)
	switch run.Status {
	case journal.StatusSucceeded:
		status = keepStyle.Render(status)
	case journal.StatusFailed, journal.StatusSyncFailed:
		status = deleteStyle.Render(status)
	}
	line := fmt.Sprintf("%s  %s  %-8s  %-11s  %-23s  %6s  deleted=%d",
		shortID(run.ID),
		run.StartedAt.UTC().Format(time.RFC3339),
		run.Origin,
		status,
		orDash(run.Snapshot),
		took,
		run.Deleted,
	)
	if run.SyncCode != nil && *run.SyncCode != 0 {
		line += fmt.Sprintf("  sync_code=%d", *run.SyncCode)
	}
	if run.ErrorKind != "" {
		line += "  " + run.ErrorKind
	}
	return line
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runBrowse(args []string) int {
	fs := flag.NewFlagSet("browse", flag.ContinueOnError)
	configPath := addConfigFlags(fs)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return exitUsage
	}

	r := runner.New(cfg, runner.Deps{Logger: log.Discard()})
	plan, err := r.Plan(time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to plan retention: %v\n", err)
		return exitFailure
	}
	latest := ""
	if ptr, err := r.Repository().Latest(); err == nil && ptr.State == snapshot.PointerValid {
		latest = ptr.Name()
	}

	if err := browse.Run(browse.New(cfg.Destination.Path, plan, latest)); err != nil {
		fmt.Fprintf(os.Stderr, "Browser error: %v\n", err)
		return exitFailure
	}
	return exitOK
}
