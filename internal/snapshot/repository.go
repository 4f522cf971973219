package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// PointerState describes what the latest symlink currently resolves to.
type PointerState int

const (
	// PointerAbsent means there is no latest entry at all.
	PointerAbsent PointerState = iota
	// PointerDangling means latest is a symlink whose target does not exist
	// or is not a directory.
	PointerDangling
	// PointerNotLink means latest exists but is not a symlink.
	PointerNotLink
	// PointerValid means latest resolves to an existing directory.
	PointerValid
)

func (s PointerState) String() string {
	switch s {
	case PointerAbsent:
		return "absent"
	case PointerDangling:
		return "dangling"
	case PointerNotLink:
		return "not-a-link"
	case PointerValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Pointer is the resolved state of the latest symlink.
type Pointer struct {
	State PointerState
	// Target is the raw link content.
	Target string
	// Dir is the absolute directory the link resolves to when State is
	// PointerValid.
	Dir string
}

// Name returns the snapshot name the pointer targets, if any.
func (p Pointer) Name() string {
	if p.Target == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(p.Target))
}

// Repository reads snapshots and the latest pointer under a destination root.
type Repository struct {
	root string
}

// NewRepository returns a repository rooted at root.
func NewRepository(root string) *Repository {
	return &Repository{root: filepath.Clean(root)}
}

func (r *Repository) Root() string { return r.root }

// Path returns the directory path of the snapshot with the given name.
func (r *Repository) Path(name string) string {
	return filepath.Join(r.root, name)
}

func (r *Repository) latestPath() string {
	return filepath.Join(r.root, LatestName)
}

// List returns every snapshot directory directly under the root, oldest first.
// Entries whose names are not snapshot names are skipped. A missing root is an
// empty history.
func (r *Repository) List() (History, error) {
	entries, err := os.ReadDir(r.root)
	if errors.Is(err, os.ErrNotExist) {
		return History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read destination %q: %w", r.root, err)
	}

	history := make(History, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, ok := ParseName(entry.Name())
		if !ok {
			continue
		}
		history = append(history, Snapshot{
			Name:      entry.Name(),
			Timestamp: ts,
			Path:      r.Path(entry.Name()),
		})
	}

	sort.SliceStable(history, func(i, j int) bool {
		if history[i].Timestamp.Equal(history[j].Timestamp) {
			return history[i].Name < history[j].Name
		}
		return history[i].Timestamp.Before(history[j].Timestamp)
	})
	return history, nil
}

// Latest inspects the latest symlink.
func (r *Repository) Latest() (Pointer, error) {
	link := r.latestPath()

	info, err := os.Lstat(link)
	if errors.Is(err, os.ErrNotExist) {
		return Pointer{State: PointerAbsent}, nil
	}
	if err != nil {
		return Pointer{}, fmt.Errorf("stat latest pointer: %w", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return Pointer{State: PointerNotLink}, nil
	}

	target, err := os.Readlink(link)
	if err != nil {
		return Pointer{}, fmt.Errorf("read latest pointer: %w", err)
	}

	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(r.root, resolved)
	}

	st, err := os.Stat(resolved)
	if err != nil || !st.IsDir() {
		return Pointer{State: PointerDangling, Target: target}, nil
	}

	return Pointer{State: PointerValid, Target: target, Dir: filepath.Clean(resolved)}, nil
}

// SetLatest points latest at the named snapshot. The link is written under a
// temporary name and renamed into place so readers never observe a missing
// pointer. The link content is the bare snapshot name.
func (r *Repository) SetLatest(name string) error {
	if _, ok := ParseName(name); !ok {
		return fmt.Errorf("refusing to point latest at non-snapshot %q", name)
	}

	// Writers are serialised by the destination lock, so one fixed name is
	// enough and a link left by a crashed run is cleared here.
	tmp := filepath.Join(r.root, latestTempName)
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale temporary pointer: %w", err)
	}
	if err := os.Symlink(name, tmp); err != nil {
		return fmt.Errorf("create temporary pointer: %w", err)
	}
	if err := os.Rename(tmp, r.latestPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace latest pointer: %w", err)
	}
	return nil
}

// RemoveLatest deletes the latest symlink if present.
func (r *Repository) RemoveLatest() error {
	err := os.Remove(r.latestPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove latest pointer: %w", err)
	}
	return nil
}
