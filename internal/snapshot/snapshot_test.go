package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAndParseName(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 6, 1, 13, 45, 7, 0, time.UTC)
	name := FormatName(ts)
	assert.Equal(t, "2024-06-01_13:45:07_GMT", name)

	got, ok := ParseName(name)
	require.True(t, ok)
	assert.True(t, got.Equal(ts))

	// Non-UTC input is rendered in UTC.
	tokyo := time.FixedZone("JST", 9*3600)
	assert.Equal(t, name, FormatName(ts.In(tokyo)))
}

func TestParseNameRejectsNonSnapshots(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"latest",
		"",
		"2024-06-01_13:45:07_UTC",
		"2024-06-01 13:45:07 GMT",
		"2024-13-01_13:45:07_GMT",
		"2024-06-01_13:45:07_GMT.tmp",
		".latest.tmp",
	} {
		_, ok := ParseName(name)
		assert.False(t, ok, "name %q should not parse", name)
	}
}

func mkSnapshots(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(root, n), 0o755))
	}
}

func TestListSortsAndSkipsForeignEntries(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mkSnapshots(t, root,
		"2024-06-03_00:00:00_GMT",
		"2024-06-01_00:00:00_GMT",
		"2024-06-02_12:00:00_GMT",
		"lost+found",
	)
	require.NoError(t, os.WriteFile(filepath.Join(root, "2024-06-04_00:00:00_GMT"), []byte("file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "time-machine.log"), nil, 0o644))
	require.NoError(t, os.Symlink("2024-06-03_00:00:00_GMT", filepath.Join(root, LatestName)))

	history, err := NewRepository(root).List()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2024-06-01_00:00:00_GMT",
		"2024-06-02_12:00:00_GMT",
		"2024-06-03_00:00:00_GMT",
	}, history.Names())
	assert.Equal(t, filepath.Join(root, "2024-06-01_00:00:00_GMT"), history[0].Path)

	newest, ok := history.Newest()
	require.True(t, ok)
	assert.Equal(t, "2024-06-03_00:00:00_GMT", newest.Name)
}

func TestListMissingRootIsEmpty(t *testing.T) {
	t.Parallel()

	history, err := NewRepository(filepath.Join(t.TempDir(), "missing")).List()
	require.NoError(t, err)
	assert.Empty(t, history)
	_, ok := history.Newest()
	assert.False(t, ok)
}

func TestLatestPointerStates(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	repo := NewRepository(root)

	ptr, err := repo.Latest()
	require.NoError(t, err)
	assert.Equal(t, PointerAbsent, ptr.State)

	require.NoError(t, os.Symlink("2024-06-01_00:00:00_GMT", filepath.Join(root, LatestName)))
	ptr, err = repo.Latest()
	require.NoError(t, err)
	assert.Equal(t, PointerDangling, ptr.State)
	assert.Equal(t, "2024-06-01_00:00:00_GMT", ptr.Target)

	mkSnapshots(t, root, "2024-06-01_00:00:00_GMT")
	ptr, err = repo.Latest()
	require.NoError(t, err)
	assert.Equal(t, PointerValid, ptr.State)
	assert.Equal(t, filepath.Join(root, "2024-06-01_00:00:00_GMT"), ptr.Dir)
	assert.Equal(t, "2024-06-01_00:00:00_GMT", ptr.Name())

	require.NoError(t, repo.RemoveLatest())
	require.NoError(t, os.Mkdir(filepath.Join(root, LatestName), 0o755))
	ptr, err = repo.Latest()
	require.NoError(t, err)
	assert.Equal(t, PointerNotLink, ptr.State)
}

func TestSetLatestWritesRelativeLinkAndReplaces(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	repo := NewRepository(root)
	mkSnapshots(t, root, "2024-06-01_00:00:00_GMT", "2024-06-02_00:00:00_GMT")

	require.NoError(t, repo.SetLatest("2024-06-01_00:00:00_GMT"))
	require.NoError(t, repo.SetLatest("2024-06-02_00:00:00_GMT"))

	target, err := os.Readlink(filepath.Join(root, LatestName))
	require.NoError(t, err)
	assert.Equal(t, "2024-06-02_00:00:00_GMT", target)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temporary link should be left behind")

	assert.Error(t, repo.SetLatest("not-a-snapshot"))
	require.NoError(t, repo.RemoveLatest())
	require.NoError(t, repo.RemoveLatest())
}

func TestSetLatestClearsLeftoverTempLink(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	repo := NewRepository(root)
	mkSnapshots(t, root, "2024-06-01_00:00:00_GMT")
	// A run killed between creating and renaming the link leaves this behind.
	require.NoError(t, os.Symlink("2023-01-01_00:00:00_GMT", filepath.Join(root, ".latest.tmp")))

	require.NoError(t, repo.SetLatest("2024-06-01_00:00:00_GMT"))

	ptr, err := repo.Latest()
	require.NoError(t, err)
	assert.Equal(t, PointerValid, ptr.State)
	assert.Equal(t, "2024-06-01_00:00:00_GMT", ptr.Name())

	_, err = os.Lstat(filepath.Join(root, ".latest.tmp"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
