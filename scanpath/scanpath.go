// Package scanpath holds the filesystem primitives the scan and the
// freshness check share: glob listing of candidate plugin files and the
// lstat-based modification-time reads that feed the manifest check code.
// Symbolic links found inside a search directory are excluded from the
// mtime sum, so a relinked plugin does not flap the cache; a search path
// that is not a directory is summed without a symlink check.
package scanpath

import (
	"fmt"
	"os"
	"path/filepath"
)

// DriverFilePattern matches driver shared objects inside a search
// directory.
const DriverFilePattern = "libmodelbox-*.so*"

// ListFiles globs dir for entries matching pattern. A missing or empty
// directory yields an empty list, not an error; only a malformed pattern
// fails.
func ListFiles(dir string, pattern string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("list directory %s/%s failed: %w", dir, pattern, err)
	}
	return files, nil
}

// Stat is the subset of lstat the scan cares about.
type Stat struct {
	IsDir     bool
	IsSymlink bool
	// ModTimeSec is the modification time truncated to whole seconds,
	// the unit the manifest records.
	ModTimeSec int64
}

// Lstat lstats path without following symlinks.
func Lstat(path string) (Stat, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return Stat{}, fmt.Errorf("lstat %s failed: %w", path, err)
	}
	return Stat{
		IsDir:      fi.IsDir(),
		IsSymlink:  fi.Mode()&os.ModeSymlink != 0,
		ModTimeSec: fi.ModTime().Unix(),
	}, nil
}

// ModTimeSec stats path (following symlinks) and returns its mtime in
// whole seconds, or 0 when the file does not exist. Used for the dynamic
// linker cache, whose absence is recorded as time zero rather than an
// error.
func ModTimeSec(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.ModTime().Unix()
}
