// Package snapshot enumerates, creates and compares timestamped snapshot
// directories under a destination root.
//
// A snapshot is a directory named by its UTC creation time with second
// precision (see NameLayout). The set of snapshots is always rebuilt from a
// directory listing; nothing is cached between calls.
package snapshot

import (
	"time"
)

// NameLayout is the Go time layout of snapshot directory names, e.g.
// 2024-06-01_13:45:07_GMT.
const NameLayout = "2006-01-02_15:04:05_GMT"

// LatestName is the symlink inside the destination root naming the most
// recent successfully synced snapshot.
const LatestName = "latest"

// latestTempName is where SetLatest builds the new link before renaming it.
const latestTempName = ".latest.tmp"

// Snapshot is one point-in-time capture.
type Snapshot struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// History is a list of snapshots in ascending timestamp order.
type History []Snapshot

// FormatName renders t as a snapshot directory name.
func FormatName(t time.Time) string {
	return t.UTC().Format(NameLayout)
}

// ParseName parses a snapshot directory name. Only canonical names are
// accepted: the parsed time must format back to exactly the same name.
func ParseName(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(NameLayout, name, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	if t.Format(NameLayout) != name {
		return time.Time{}, false
	}
	return t, true
}

// Newest returns the most recent snapshot.
func (h History) Newest() (Snapshot, bool) {
	if len(h) == 0 {
		return Snapshot{}, false
	}
	return h[len(h)-1], true
}

// Find returns the snapshot with the given name.
func (h History) Find(name string) (Snapshot, bool) {
	for _, s := range h {
		if s.Name == name {
			return s, true
		}
	}
	return Snapshot{}, false
}

// Names returns the snapshot names in history order.
func (h History) Names() []string {
	names := make([]string, len(h))
	for i, s := range h {
		names[i] = s.Name
	}
	return names
}
