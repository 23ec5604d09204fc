package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equinor/fmu-sumo-uploader/pkg/fsutil"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.json")

	require.NoError(t, fsutil.WriteFileAtomic(path, []byte("one"), 0o640))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	require.NoError(t, fsutil.WriteFileAtomic(path, []byte("two"), 0o600))

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm(), "existing permissions are kept")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(a, nil, 0o600))

	require.NoError(t, fsutil.Remove(a, filepath.Join(dir, "missing"), ""))
	assert.False(t, fsutil.IsFile(a))

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "nested"), 0o755))
	require.Error(t, fsutil.Remove(sub), "non-empty directories are not removed")
}

func TestIsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	assert.True(t, fsutil.IsFile(path))
	assert.False(t, fsutil.IsFile(dir))
	assert.False(t, fsutil.IsFile(filepath.Join(dir, "nope")))
}
