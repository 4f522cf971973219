package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
)

// ErrDiffUnsupported is returned on platforms without inode numbers.
var ErrDiffUnsupported = errors.New("snapshot diff needs inode numbers, unsupported on this platform")

type fileKey struct {
	dev uint64
	ino uint64
}

// DiffEntry is one file present in only one of two snapshots.
type DiffEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// DiffReport lists files that do not share an inode between two snapshots.
// A file rewritten between the snapshots appears in both lists.
type DiffReport struct {
	Old          string      `json:"old"`
	New          string      `json:"new"`
	Removed      []DiffEntry `json:"removed"`
	Added        []DiffEntry `json:"added"`
	RemovedBytes int64       `json:"removed_bytes"`
	AddedBytes   int64       `json:"added_bytes"`
}

const (
	inOld = 1 << iota
	inNew
)

type inodeNode struct {
	seen    int
	oldPath string
	newPath string
	size    int64
}

// Diff compares the regular files of two snapshot directories by inode. Files
// hard-linked between them are unchanged; everything else was removed from
// old or added in new.
func Diff(ctx context.Context, oldDir, newDir string) (*DiffReport, error) {
	nodes := make(map[fileKey]*inodeNode)
	if err := indexTree(ctx, oldDir, inOld, nodes); err != nil {
		return nil, err
	}
	if err := indexTree(ctx, newDir, inNew, nodes); err != nil {
		return nil, err
	}

	report := &DiffReport{Old: oldDir, New: newDir, Removed: []DiffEntry{}, Added: []DiffEntry{}}
	for _, n := range nodes {
		switch n.seen {
		case inOld:
			report.Removed = append(report.Removed, DiffEntry{Path: n.oldPath, Size: n.size})
			report.RemovedBytes += n.size
		case inNew:
			report.Added = append(report.Added, DiffEntry{Path: n.newPath, Size: n.size})
			report.AddedBytes += n.size
		}
	}
	sort.Slice(report.Removed, func(i, j int) bool { return report.Removed[i].Path < report.Removed[j].Path })
	sort.Slice(report.Added, func(i, j int) bool { return report.Added[i].Path < report.Added[j].Path })
	return report, nil
}

func indexTree(ctx context.Context, root string, side int, nodes map[fileKey]*inodeNode) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk %s: %w", root, walkErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		key, ok := fileKeyOf(info)
		if !ok {
			return ErrDiffUnsupported
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		n, ok := nodes[key]
		if !ok {
			n = &inodeNode{size: info.Size()}
			nodes[key] = n
		}
		n.seen |= side
		if side == inOld && (n.oldPath == "" || rel < n.oldPath) {
			n.oldPath = rel
		}
		if side == inNew && (n.newPath == "" || rel < n.newPath) {
			n.newPath = rel
		}
		return nil
	})
}

// Render writes the report in a plain text layout.
func (r *DiffReport) Render(w io.Writer) error {
	bw := &errWriter{w: w}
	for _, e := range r.Removed {
		bw.printf("    Removed: %11s  %s\n", humanize.IBytes(uint64(e.Size)), e.Path)
	}
	bw.printf("\n-----------------------------------------------------------\n\n")
	for _, e := range r.Added {
		bw.printf("    New: %15s  %s\n", humanize.IBytes(uint64(e.Size)), e.Path)
	}
	bw.printf("\n-----------------------------------------------------------\n")
	bw.printf("Removed %5d files from %s, %s\n", len(r.Removed), r.Old, humanize.IBytes(uint64(r.RemovedBytes)))
	bw.printf("Added   %5d files to   %s, %s\n", len(r.Added), r.New, humanize.IBytes(uint64(r.AddedBytes)))
	return bw.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
