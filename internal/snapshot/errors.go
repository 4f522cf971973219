package snapshot

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrNameCollision is returned when a directory with the new snapshot's name
// already exists, e.g. two runs within the same second.
var ErrNameCollision = errors.New("snapshot name already exists")

// ErrSyncFailed matches every sync failure, launch or exit status alike.
var ErrSyncFailed = errors.New("sync failed")

// ErrUnsupportedFile is returned by NativeCloner for devices, FIFOs and
// sockets.
var ErrUnsupportedFile = errors.New("unsupported file type")

// BrokenPointerError is returned when snapshots exist but the latest pointer
// cannot be followed. The operator has to repair it; nothing is guessed.
type BrokenPointerError struct {
	Root   string
	State  PointerState
	Target string
	// Newest is the newest snapshot name on disk, offered as a candidate.
	Newest string
}

func (e *BrokenPointerError) Error() string {
	link := filepath.Join(e.Root, LatestName)
	var problem, cmd string
	switch e.State {
	case PointerAbsent:
		problem = fmt.Sprintf("snapshots exist but %s is missing", link)
		cmd = fmt.Sprintf("ln -s %s %s", e.Newest, link)
	case PointerNotLink:
		problem = fmt.Sprintf("%s exists but is not a symbolic link", link)
		cmd = fmt.Sprintf("rm -r %s && ln -s %s %s", link, e.Newest, link)
	default:
		problem = fmt.Sprintf("%s is broken (points to %q)", link, e.Target)
		cmd = fmt.Sprintf("ln -fs %s %s", e.Newest, link)
	}
	return fmt.Sprintf("cannot find the last snapshot: %s; newest snapshot on disk is %s, "+
		"verify it is complete and recreate the pointer with: %s", problem, e.Newest, cmd)
}

// CloneError is returned when hard-link cloning the previous snapshot fails.
type CloneError struct {
	Src string
	Dst string
	Err error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("clone %s to %s: %v", e.Src, e.Dst, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// LaunchError is returned when the sync tool could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

func (e *LaunchError) Is(target error) bool { return target == ErrSyncFailed }

// SyncError is returned when the sync tool exits non-zero or is killed.
// Code is -1 when the process did not exit normally.
type SyncError struct {
	Code    int
	Meaning string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed with code %d: %s", e.Code, e.Meaning)
}

func (e *SyncError) Is(target error) bool { return target == ErrSyncFailed }
