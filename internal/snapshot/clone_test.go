package snapshot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTree(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "etc", "conf.d"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "hosts"), []byte("127.0.0.1 localhost\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "etc", "conf.d", "a.conf"), []byte("a=1\n"), 0o600))
	require.NoError(t, os.Symlink("hosts", filepath.Join(src, "etc", "hosts.link")))
	return src
}

func TestNativeClonerHardLinksFiles(t *testing.T) {
	t.Parallel()

	src := seedTree(t)
	old := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "etc"), old, old))

	dst := filepath.Join(filepath.Dir(src), "dst")
	require.NoError(t, NativeCloner{}.Clone(context.Background(), src, dst))

	for _, rel := range []string{"etc/hosts", "etc/conf.d/a.conf"} {
		a, err := os.Stat(filepath.Join(src, rel))
		require.NoError(t, err)
		b, err := os.Stat(filepath.Join(dst, rel))
		require.NoError(t, err)
		assert.True(t, os.SameFile(a, b), "%s should be a hard link", rel)
	}

	target, err := os.Readlink(filepath.Join(dst, "etc", "hosts.link"))
	require.NoError(t, err)
	assert.Equal(t, "hosts", target)

	info, err := os.Stat(filepath.Join(dst, "etc"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old), "directory mtime should be preserved, got %v", info.ModTime())
}

func TestNativeClonerRefusesExistingDestination(t *testing.T) {
	t.Parallel()

	src := seedTree(t)
	dst := t.TempDir()
	err := NativeCloner{}.Clone(context.Background(), src, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestNativeClonerHonoursCancellation(t *testing.T) {
	t.Parallel()

	src := seedTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NativeCloner{}.Clone(ctx, src, filepath.Join(filepath.Dir(src), "dst"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecClonerUsesCpAl(t *testing.T) {
	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	t.Parallel()

	src := seedTree(t)
	dst := filepath.Join(filepath.Dir(src), "dst")
	require.NoError(t, (&ExecCloner{}).Clone(context.Background(), src, dst))

	a, err := os.Stat(filepath.Join(src, "etc", "hosts"))
	require.NoError(t, err)
	b, err := os.Stat(filepath.Join(dst, "etc", "hosts"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(a, b))
}

func TestExecClonerReportsCommandOutput(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Parallel()

	c := &ExecCloner{Command: []string{"sh", "-c", "echo 'no space left' >&2; exit 1", "clone"}}
	err := c.Clone(context.Background(), "/src", "/dst")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space left")
}
