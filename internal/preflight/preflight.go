// Package preflight verifies the destination has room for another snapshot
// before any snapshot work starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

//go:generate mockgen -destination=mocks/mock_prober.go -package=mocks github.com/mattjoyce/timemachine/internal/preflight Prober

// Usage is the free headroom on the filesystem holding a path.
type Usage struct {
	FreeBytes  uint64
	FreeInodes uint64
}

// Thresholds are the configured minimums. Zero disables a check.
type Thresholds struct {
	MinFreeMB     uint64
	MinFreeInodes uint64
}

// Prober reports filesystem usage for a path.
type Prober interface {
	Usage(ctx context.Context, path string) (Usage, error)
}

// CapacityError reports which resource fell below its minimum.
type CapacityError struct {
	Which string // "space" or "inodes"
	Have  uint64
	Need  uint64
}

func (e *CapacityError) Error() string {
	if e.Which == "space" {
		return fmt.Sprintf("insufficient free space on destination: have %s, need %s",
			humanize.IBytes(e.Have), humanize.IBytes(e.Need))
	}
	return fmt.Sprintf("insufficient free inodes on destination: have %d, need %d", e.Have, e.Need)
}

// ErrCapacity matches any *CapacityError via errors.Is.
var ErrCapacity = errors.New("capacity exceeded")

func (e *CapacityError) Is(target error) bool { return target == ErrCapacity }

const bytesPerMB = 1024 * 1024

// Check compares usage against the thresholds. It has no side effects.
func Check(u Usage, t Thresholds) error {
	if t.MinFreeMB > 0 {
		need := t.MinFreeMB * bytesPerMB
		if u.FreeBytes < need {
			return &CapacityError{Which: "space", Have: u.FreeBytes, Need: need}
		}
	}
	if t.MinFreeInodes > 0 && u.FreeInodes < t.MinFreeInodes {
		return &CapacityError{Which: "inodes", Have: u.FreeInodes, Need: t.MinFreeInodes}
	}
	return nil
}

// Run probes path and checks it against t.
func Run(ctx context.Context, p Prober, path string, t Thresholds) (Usage, error) {
	if t.MinFreeMB == 0 && t.MinFreeInodes == 0 {
		return Usage{}, nil
	}
	u, err := p.Usage(ctx, path)
	if err != nil {
		return Usage{}, fmt.Errorf("probe destination capacity: %w", err)
	}
	return u, Check(u, t)
}

// StatfsProber reads usage with statfs(2).
type StatfsProber struct{}

var _ Prober = StatfsProber{}

func (StatfsProber) Usage(ctx context.Context, path string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	inspect, err := nearestExistingPath(path)
	if err != nil {
		return Usage{}, err
	}
	return statUsage(inspect)
}

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// NetworkFilesystem returns the filesystem type when path lives on a network
// filesystem, where hard links and flock are unreliable, or "" otherwise.
func NetworkFilesystem(path string) (string, error) {
	return networkFilesystemWithDetector(path, detectFilesystemType)
}

func networkFilesystemWithDetector(path string, detector func(string) (string, error)) (string, error) {
	if path == "" {
		return "", fmt.Errorf("destination path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return "", fmt.Errorf("resolve destination path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return "", fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fsType, nil
	}
	return "", nil
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
