//go:build !windows

// Mount-boundary detection backs FindHash's upward search: the original
// find_dot_xxhash stops climbing at os.path.ismount. Go's standard library
// has no ismount equivalent, so this compares a directory's device number
// against its parent's via syscall.Stat_t, the same approach the backup
// preflight code in this corpus uses for free-space checks.
package manifest

import (
	"path/filepath"
	"syscall"
)

func isMountPoint(dir string) bool {
	var st, parentSt syscall.Stat_t
	if err := syscall.Stat(dir, &st); err != nil {
		return true
	}
	parent := filepath.Dir(dir)
	if parent == dir {
		return true
	}
	if err := syscall.Stat(parent, &parentSt); err != nil {
		return true
	}
	return st.Dev != parentSt.Dev
}
