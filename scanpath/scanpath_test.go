package scanpath

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"libmodelbox-alpha.so",
		"libmodelbox-beta.so.1.0.0",
		"libother.so",
		"readme.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	files, err := ListFiles(dir, DriverFilePattern)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "libmodelbox-alpha.so"),
		filepath.Join(dir, "libmodelbox-beta.so.1.0.0"),
	}, files)
}

func TestListFilesEmptyDir(t *testing.T) {
	files, err := ListFiles(t.TempDir(), DriverFilePattern)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestListFilesMissingDir(t *testing.T) {
	files, err := ListFiles(filepath.Join(t.TempDir(), "missing"), DriverFilePattern)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLstat(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "libmodelbox-alpha.so")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	mtime := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(file, mtime, mtime))

	st, err := Lstat(file)
	require.NoError(t, err)
	assert.False(t, st.IsDir)
	assert.False(t, st.IsSymlink)
	assert.Equal(t, int64(1700000000), st.ModTimeSec)

	dst, err := Lstat(dir)
	require.NoError(t, err)
	assert.True(t, dst.IsDir)
}

func TestLstatSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "libmodelbox-alpha.so")
	link := filepath.Join(dir, "libmodelbox-alpha-link.so")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, link))

	st, err := Lstat(link)
	require.NoError(t, err)
	assert.True(t, st.IsSymlink)
}

func TestModTimeSec(t *testing.T) {
	file := filepath.Join(t.TempDir(), "ld.so.cache")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	mtime := time.Unix(1700000123, 0)
	require.NoError(t, os.Chtimes(file, mtime, mtime))

	assert.Equal(t, int64(1700000123), ModTimeSec(file))
	assert.Equal(t, int64(0), ModTimeSec(filepath.Join(t.TempDir(), "missing")))
}
