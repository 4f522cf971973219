//go:build !darwin && !linux

package preflight

import "fmt"

func statUsage(path string) (Usage, error) {
	return Usage{}, fmt.Errorf("capacity probing is unsupported on this platform")
}

func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("filesystem detection is unsupported on this platform")
}
