package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_cloner.go -package=mocks github.com/mattjoyce/timemachine/internal/snapshot Cloner

// Cloner produces dst as a hard-link copy of src. dst must not exist.
type Cloner interface {
	Clone(ctx context.Context, src, dst string) error
}

// DefaultCloneCommand is the external hard-link copy command.
var DefaultCloneCommand = []string{"cp", "-al"}

// ExecCloner clones by running an external command with src and dst appended.
type ExecCloner struct {
	Command []string
}

var _ Cloner = (*ExecCloner)(nil)

func (c *ExecCloner) Clone(ctx context.Context, src, dst string) error {
	argv := c.Command
	if len(argv) == 0 {
		argv = DefaultCloneCommand
	}
	args := append(append([]string{}, argv[1:]...), src, dst)

	cmd := exec.CommandContext(ctx, argv[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			return fmt.Errorf("%s: %w", argv[0], err)
		}
		return fmt.Errorf("%s: %w: %s", argv[0], err, msg)
	}
	return nil
}

// NativeCloner clones by walking src and hard-linking every regular file.
// Directories are recreated with their permission bits and modification
// times. Symlinks are recreated with the same target. Devices, FIFOs and
// sockets fail the clone with ErrUnsupportedFile.
type NativeCloner struct{}

var _ Cloner = NativeCloner{}

func (NativeCloner) Clone(ctx context.Context, src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source directory: %w", err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %q is not a directory", src)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("destination %q already exists", dst)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat destination: %w", err)
	}

	if err := os.Mkdir(dst, srcInfo.Mode().Perm()|0o700); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	type dirMeta struct {
		path  string
		perm  os.FileMode
		mtime time.Time
	}
	dirs := []dirMeta{{path: dst, perm: srcInfo.Mode().Perm(), mtime: srcInfo.ModTime()}}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == src {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("resolve relative path: %w", err)
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read entry info for %q: %w", path, err)
		}

		switch {
		case d.IsDir():
			// Owner write is needed to populate the copy; the original bits
			// are restored below.
			if err := os.Mkdir(target, info.Mode().Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %q: %w", target, err)
			}
			dirs = append(dirs, dirMeta{path: target, perm: info.Mode().Perm(), mtime: info.ModTime()})
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %q: %w", path, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("create symlink %q: %w", target, err)
			}
		case info.Mode().IsRegular():
			if err := os.Link(path, target); err != nil {
				return fmt.Errorf("hard-link %q to %q: %w", path, target, err)
			}
		default:
			return fmt.Errorf("%w: %q is %s", ErrUnsupportedFile, path, info.Mode().Type())
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deepest first so restoring a parent's mtime is not undone by a child.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].perm); err != nil {
			return fmt.Errorf("restore directory mode %q: %w", dirs[i].path, err)
		}
		if err := os.Chtimes(dirs[i].path, dirs[i].mtime, dirs[i].mtime); err != nil {
			return fmt.Errorf("restore directory time %q: %w", dirs[i].path, err)
		}
	}
	return nil
}
