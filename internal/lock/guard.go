// Package lock provides the per-destination single-run guard.
package lock

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/zeebo/blake3"
)

// ErrBusy is returned by Acquire when another process holds the lock.
var ErrBusy = errors.New("another time-machine run holds the lock")

// Token is an exclusive flock(2) held on a lock file.
// Keep the lock alive by keeping the file descriptor open.
type Token struct {
	path string
	f    *os.File
}

// PathFor returns the lock file path for a destination root. Distinct roots
// hash to distinct files so jobs against different destinations never contend.
func PathFor(destRoot string) string {
	abs, err := filepath.Abs(destRoot)
	if err != nil {
		abs = destRoot
	}
	sum := blake3.Sum256([]byte(filepath.Clean(abs)))
	return filepath.Join(os.TempDir(), fmt.Sprintf("time-machine-%s.lock", hex.EncodeToString(sum[:16])))
}

// Acquire takes an exclusive non-blocking lock at lockPath and writes the
// current PID into it. It returns ErrBusy at once if the lock is held.
func Acquire(lockPath string) (*Token, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, fmt.Errorf("%w (%s)", ErrBusy, lockPath)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &Token{path: lockPath, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (t *Token) Path() string { return t.path }

// Release drops the OS lock and then removes the lock file. Safe to call more
// than once.
func (t *Token) Release() error {
	if t == nil || t.f == nil {
		return nil
	}
	_ = syscall.Flock(int(t.f.Fd()), syscall.LOCK_UN)
	err := t.f.Close()
	t.f = nil
	if rmErr := os.Remove(t.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = fmt.Errorf("remove lock file: %w", rmErr)
	}
	return err
}
