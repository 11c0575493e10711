// Package auditor answers a narrower question than VerifiedCopier: given a
// source tree and a destination that was (or claims to have been) backed up
// by some means, which source files have no same-name-and-size match
// anywhere under the destination? It never reads file contents — a
// filename+size signature match is considered sufficient to stay fast on
// large archival trees.
package auditor

import (
	"fmt"
	"os"
	"path/filepath"
)

// ignoredDirs are pruned from both trees during the walk, matching the
// original's backup-check ignore list (distinct from walker's copy-time
// ignore list, which targets different basenames).
var ignoredDirs = map[string]bool{
	"Backups.backupdb":          true,
	"System Volume Information": true,
}

// signature identifies a file by name and size only; no content is read.
type signature struct {
	name string
	size int64
}

// Result is the outcome of an audit: every source file with no matching
// signature anywhere under the destination, plus the number of distinct
// source signatures the audit considered (source files sharing both name
// and size count once).
type Result struct {
	Missing   []string
	TotalSeen int
}

// GetMissing walks src collecting (name, size) signatures, then walks dst
// pruning any signature it finds a match for, and returns whatever
// signatures survive — files present in src with no same-name-same-size
// counterpart anywhere under dst.
func GetMissing(src, dst string) (Result, error) {
	missing, err := signatures(src)
	if err != nil {
		return Result{}, fmt.Errorf("scan source %s: %w", src, err)
	}
	total := len(missing)

	if err := pruneFound(dst, missing); err != nil {
		return Result{}, fmt.Errorf("scan destination %s: %w", dst, err)
	}

	names := make([]string, 0, len(missing))
	for sig := range missing {
		names = append(names, sig.name)
	}
	return Result{Missing: names, TotalSeen: total}, nil
}

// signatures walks root collecting one signature per non-dotfile,
// recording a sentinel size of -1 for files that disappear mid-walk (the
// original's "could not get signature" case) rather than failing the audit.
func signatures(root string) (map[signature]struct{}, error) {
	sigs := make(map[signature]struct{})
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != root && name[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		size := int64(-1)
		if err == nil {
			size = info.Size()
		}
		sigs[signature{name: name, size: size}] = struct{}{}
		return nil
	})
	return sigs, err
}

// pruneFound walks root and deletes from missing every signature it finds a
// match for. Files whose size can't be read are silently skipped, matching
// the original's best-effort "could not get size" handling.
func pruneFound(root string, missing map[signature]struct{}) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != root && name[0] == '.' {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // best-effort: unreadable size just can't prune anything
		}
		delete(missing, signature{name: name, size: info.Size()})
		return nil
	})
}
