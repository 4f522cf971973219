// Package retention decides which snapshots survive and removes the rest.
//
// The keep-set is the union of several tiers: the newest snapshot, everything
// younger than KeepAllDays, the newest snapshot per day, week and month for the
// configured number of periods, and the newest snapshot of every year.
package retention

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/mattjoyce/timemachine/internal/snapshot"
)

// Config holds the tier sizes. Zero disables a tier. One per year is always
// kept.
type Config struct {
	KeepAllDays     int `yaml:"keep_all_days" validate:"gte=0"`
	KeepOnePerDay   int `yaml:"keep_one_per_day" validate:"gte=0"`
	KeepOnePerWeek  int `yaml:"keep_one_per_week" validate:"gte=0"`
	KeepOnePerMonth int `yaml:"keep_one_per_month" validate:"gte=0"`
}

// Reasons a snapshot is kept.
const (
	ReasonOnly    = "only"
	ReasonLatest  = "latest"
	ReasonKeepAll = "keep-all"
	ReasonPinned  = "pinned"
)

// Decision is the verdict for one snapshot.
type Decision struct {
	Snapshot snapshot.Snapshot `json:"snapshot"`
	Keep     bool              `json:"keep"`
	Reasons  []string          `json:"reasons,omitempty"`
}

// Plan is the verdict for every snapshot in a history, oldest first.
type Plan struct {
	Now       time.Time  `json:"now"`
	Decisions []Decision `json:"decisions"`
}

// Kept returns the snapshots the plan keeps.
func (p Plan) Kept() snapshot.History {
	return p.filter(true)
}

// Deleted returns the snapshots the plan removes.
func (p Plan) Deleted() snapshot.History {
	return p.filter(false)
}

func (p Plan) filter(keep bool) snapshot.History {
	out := snapshot.History{}
	for _, d := range p.Decisions {
		if d.Keep == keep {
			out = append(out, d.Snapshot)
		}
	}
	return out
}

// Compute builds the retention plan. It touches nothing on disk. Names in
// protect are kept in addition to the computed tiers.
func Compute(history snapshot.History, now time.Time, cfg Config, protect ...string) Plan {
	now = now.UTC()

	sorted := make(snapshot.History, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	plan := Plan{Now: now, Decisions: make([]Decision, len(sorted))}
	for i, s := range sorted {
		plan.Decisions[i] = Decision{Snapshot: s}
	}
	if len(sorted) == 0 {
		return plan
	}

	index := make(map[string]int, len(sorted))
	for i, s := range sorted {
		index[s.Name] = i
	}
	keep := func(i int, reason string) {
		d := &plan.Decisions[i]
		d.Keep = true
		for _, r := range d.Reasons {
			if r == reason {
				return
			}
		}
		d.Reasons = append(d.Reasons, reason)
	}
	// Newest snapshot in [from, to); ties resolve to the later list element.
	keepLastIn := func(from, to time.Time, reason string) {
		found := -1
		for i, s := range sorted {
			if !s.Timestamp.Before(from) && s.Timestamp.Before(to) {
				found = i
			}
		}
		if found >= 0 {
			keep(found, reason)
		}
	}

	if len(sorted) == 1 {
		keep(0, ReasonOnly)
		return plan
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	keep(len(sorted)-1, ReasonLatest)

	if cfg.KeepAllDays > 0 {
		from := now.Add(-time.Duration(cfg.KeepAllDays) * 24 * time.Hour)
		for i, s := range sorted {
			if !s.Timestamp.Before(from) && !s.Timestamp.After(now) {
				keep(i, ReasonKeepAll)
			}
		}
	}

	day := today
	for i := 0; i < cfg.KeepOnePerDay; i++ {
		keepLastIn(day, day.AddDate(0, 0, 1), "daily "+day.Format("2006-01-02"))
		day = day.AddDate(0, 0, -1)
	}

	// Weeks start on the Sunday strictly before today. Each window spans eight
	// days, so consecutive windows overlap by one day.
	mondayBased := (int(today.Weekday()) + 6) % 7
	week := today.AddDate(0, 0, -(mondayBased + 1))
	for i := 0; i < cfg.KeepOnePerWeek; i++ {
		keepLastIn(week, week.AddDate(0, 0, 8), "weekly "+week.Format("2006-01-02"))
		week = week.AddDate(0, 0, -7)
	}

	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < cfg.KeepOnePerMonth; i++ {
		keepLastIn(month, month.AddDate(0, 1, 0), "monthly "+month.Format("2006-01"))
		month = month.AddDate(0, -1, 0)
	}

	for year := sorted[0].Timestamp.Year(); year <= now.Year(); year++ {
		from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
		keepLastIn(from, from.AddDate(1, 0, 0), fmt.Sprintf("yearly %d", year))
	}

	for _, name := range protect {
		if i, ok := index[name]; ok {
			keep(i, ReasonPinned)
		}
	}

	return plan
}

// DeleteError reports a snapshot that could not be removed.
type DeleteError struct {
	Snapshot snapshot.Snapshot
	Err      error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete snapshot %s: %v", e.Snapshot.Name, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// Result is the outcome of Apply.
type Result struct {
	Plan    Plan
	Deleted snapshot.History
	Failed  []*DeleteError
}

// Policy applies a retention Config to a destination.
type Policy struct {
	cfg    Config
	logger *slog.Logger
	remove func(path string) error

	// DryRun reports the plan without deleting anything.
	DryRun bool
}

// NewPolicy returns a policy that deletes with os.RemoveAll.
func NewPolicy(cfg Config, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Policy{cfg: cfg, logger: logger, remove: os.RemoveAll}
}

// WithRemover replaces the delete function. Used by tests.
func (p *Policy) WithRemover(remove func(path string) error) *Policy {
	p.remove = remove
	return p
}

func (p *Policy) Config() Config { return p.cfg }

// Apply computes the plan and deletes every snapshot outside the keep-set.
// A failed deletion is logged and collected; the others still run. The
// returned error is only set when ctx is cancelled.
func (p *Policy) Apply(ctx context.Context, history snapshot.History, now time.Time, protect ...string) (Result, error) {
	plan := Compute(history, now, p.cfg, protect...)
	res := Result{Plan: plan, Deleted: snapshot.History{}}

	doomed := plan.Deleted()
	if len(doomed) == 0 {
		p.logger.Info("retention: no snapshot to remove", "snapshots", len(history))
		return res, nil
	}

	for _, s := range doomed {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if p.DryRun {
			p.logger.Info("retention: would delete snapshot", "snapshot", s.Name)
			res.Deleted = append(res.Deleted, s)
			continue
		}
		p.logger.Info("retention: delete snapshot", "snapshot", s.Name)
		if err := p.remove(s.Path); err != nil {
			delErr := &DeleteError{Snapshot: s, Err: err}
			p.logger.Error("retention: delete failed", "snapshot", s.Name, "error", err)
			res.Failed = append(res.Failed, delErr)
			continue
		}
		res.Deleted = append(res.Deleted, s)
	}
	return res, nil
}
