//go:build !unix

package snapshot

import "io/fs"

func fileKeyOf(fs.FileInfo) (fileKey, bool) {
	return fileKey{}, false
}
