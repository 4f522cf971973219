package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Request is what to capture in a new snapshot.
type Request struct {
	Sources  []string
	Excludes []string
}

// Creator builds new snapshots: hard-link clone the latest one, sync the
// sources over the clone, then advance the latest pointer.
type Creator struct {
	repo   *Repository
	cloner Cloner
	syncer Syncer
	logger *slog.Logger
	now    func() time.Time
}

// NewCreator wires a creator. A nil logger discards output.
func NewCreator(repo *Repository, cloner Cloner, syncer Syncer, logger *slog.Logger) *Creator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Creator{
		repo:   repo,
		cloner: cloner,
		syncer: syncer,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (c *Creator) WithClock(now func() time.Time) *Creator {
	c.now = now
	return c
}

// Create captures a new snapshot. history is the snapshot list taken before
// the run.
//
// When the sync fails the returned Snapshot is still populated: its directory
// is kept and the latest pointer is left where it was. Every other error
// returns a zero Snapshot and leaves nothing new on disk.
func (c *Creator) Create(ctx context.Context, history History, req Request) (Snapshot, error) {
	ts := c.now().UTC().Truncate(time.Second)
	snap := Snapshot{Name: FormatName(ts), Timestamp: ts}
	snap.Path = c.repo.Path(snap.Name)

	if _, taken := history.Find(snap.Name); taken {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNameCollision, snap.Path)
	}
	if _, err := os.Lstat(snap.Path); err == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNameCollision, snap.Path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("stat new snapshot path: %w", err)
	}

	if len(history) > 0 {
		ptr, err := c.repo.Latest()
		if err != nil {
			return Snapshot{}, err
		}
		if ptr.State != PointerValid {
			newest, _ := history.Newest()
			return Snapshot{}, &BrokenPointerError{
				Root:   c.repo.Root(),
				State:  ptr.State,
				Target: ptr.Target,
				Newest: newest.Name,
			}
		}

		c.logger.Info("cloning latest snapshot", "from", ptr.Dir, "to", snap.Path)
		if err := c.cloner.Clone(ctx, ptr.Dir, snap.Path); err != nil {
			if rmErr := os.RemoveAll(snap.Path); rmErr != nil {
				c.logger.Warn("failed to remove partial clone", "path", snap.Path, "error", rmErr)
			}
			return Snapshot{}, &CloneError{Src: ptr.Dir, Dst: snap.Path, Err: err}
		}
	} else {
		c.logger.Info("no previous snapshot, starting a full copy", "path", snap.Path)
		if err := c.repo.RemoveLatest(); err != nil {
			return Snapshot{}, err
		}
		if err := os.MkdirAll(snap.Path, 0o755); err != nil {
			return Snapshot{}, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	err := c.syncer.Sync(ctx, SyncRequest{
		Sources:  req.Sources,
		Excludes: req.Excludes,
		Dest:     snap.Path,
	})
	if err != nil {
		c.logger.Error("snapshot kept but latest pointer not advanced", "snapshot", snap.Name, "error", err)
		return snap, err
	}

	if err := c.repo.SetLatest(snap.Name); err != nil {
		return snap, err
	}
	c.logger.Info("snapshot created", "snapshot", snap.Name)
	return snap, nil
}
