// Package verifiedcopy wraps fanout.Copy with the temp-name/rename
// protocol, the skip-existing and overwrite preflight, and the post-copy
// parallel re-hash that gives the engine its "verified" guarantee. A
// destination is only ever visible under its final name once every byte
// has been written and, if requested, independently re-hashed to confirm
// it matches the source — a failed copy has its temp-suffixed files removed
// on a best-effort basis, and an interrupted one leaves at most those
// temp-suffixed names behind, never a half-written final file.
package verifiedcopy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ottomatic-io/ocopy/internal/fanout"
	"github.com/ottomatic-io/ocopy/internal/hasher"
	"github.com/ottomatic-io/ocopy/internal/manifest"
	"github.com/ottomatic-io/ocopy/internal/progressbus"
)

// tempSuffix is appended to a destination's final name during copy. An
// unfinished or failed copy must never leave a file without this suffix;
// rename to the final name is the commit point.
const tempSuffix = ".copy_in_progress"

// mtimeTolerance accommodates filesystems with coarse timestamp resolution
// (e.g. FAT32 at 2s) when deciding whether a destination already matches
// the source closely enough to skip.
const mtimeTolerance = 2 * time.Second

// ErrFileExists is returned when a destination is present, overwrite is
// off, and it didn't qualify for skip-existing.
var ErrFileExists = errors.New("destination exists")

// ErrVerificationFailed is returned when the post-copy multi-hash of all
// destinations and the source disagree.
var ErrVerificationFailed = errors.New("verification failed")

// Options controls VerifiedCopy's preflight and verification behavior.
type Options struct {
	Overwrite    bool
	Verify       bool
	SkipExisting bool
	ChunkSize    int // 0 uses fanout's default (1 MiB)
}

// SkipCounter receives a notification each time a destination is skipped
// during preflight because it already matches the source. May be nil.
type SkipCounter interface {
	IncrementSkipped()
}

// HashCache is consulted for a known-good checksum before falling back to
// an MHL re-read, and updated after every successful copy so a later
// run's skip-existing path can recover the hash without touching the
// destination at all. A nil HashCache is a valid, no-op choice.
type HashCache interface {
	Lookup(path string, size int64, mtime time.Time) (string, bool)
	Store(path string, size int64, mtime time.Time, hash string)
}

// Copy copies src to every path in dsts, verifying the result when
// opts.Verify is set. Returns the source's xxhash64be digest, or the
// recovered hash (possibly empty) when every destination was skipped.
func Copy(ctx context.Context, src string, dsts []string, opts Options, skipped SkipCounter, hashCache HashCache) (string, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", src, err)
	}

	todo, err := preflight(src, srcInfo, dsts, opts, skipped)
	if err != nil {
		return "", err
	}

	if len(todo) == 0 {
		return recoverSkippedHash(src, srcInfo, dsts[0], hashCache)
	}

	tempPaths := make([]string, len(todo))
	for i, d := range todo {
		tempPaths[i] = d + tempSuffix
	}

	hash, err := fanout.Copy(ctx, src, tempPaths, opts.ChunkSize)
	if err != nil {
		cleanupTemps(tempPaths)
		return "", err
	}

	if opts.Verify {
		multiHash, err := hasher.MultiHash(ctx, append(append([]string{}, tempPaths...), src), progressbus.From(ctx))
		if err != nil {
			cleanupTemps(tempPaths)
			return "", err
		}
		if multiHash != hash {
			cleanupTemps(tempPaths)
			return "", fmt.Errorf("%w: %s", ErrVerificationFailed, src)
		}
	}

	for i, tmp := range tempPaths {
		if err := os.Rename(tmp, todo[i]); err != nil {
			cleanupTemps(tempPaths)
			return "", fmt.Errorf("commit %s: %w", todo[i], err)
		}
	}

	if hashCache != nil {
		hashCache.Store(src, srcInfo.Size(), srcInfo.ModTime(), hash)
	}

	return hash, nil
}

// preflight applies the per-destination skip-existing/overwrite/FileExists
// decision tree and returns the destinations that still need to be copied.
func preflight(src string, srcInfo os.FileInfo, dsts []string, opts Options, skipped SkipCounter) ([]string, error) {
	var todo []string
	for _, d := range dsts {
		dstInfo, err := os.Stat(d)
		switch {
		case errors.Is(err, os.ErrNotExist):
			todo = append(todo, d)
		case err != nil:
			return nil, fmt.Errorf("stat %s: %w", d, err)
		case opts.SkipExisting && dstInfo.Size() == srcInfo.Size() && mtimeClose(srcInfo.ModTime(), dstInfo.ModTime()):
			if skipped != nil {
				skipped.IncrementSkipped()
			}
		case opts.Overwrite:
			if err := os.Remove(d); err != nil {
				return nil, fmt.Errorf("remove existing %s: %w", d, err)
			}
			todo = append(todo, d)
		default:
			return nil, fmt.Errorf("%w: %s", ErrFileExists, d)
		}
	}
	_ = src
	return todo, nil
}

func mtimeClose(a, b time.Time) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= mtimeTolerance
}

// recoverSkippedHash attempts to recover the original checksum without
// re-reading any bytes — the point of skipping is to avoid I/O. It checks
// the hash cache first (keyed by the source's own path/size/mtime, a
// single lookup with no filesystem parsing), then falls back to scanning
// an existing MHL on the first destination. Returns "" if neither yields a
// hit; a caller that needs a hash for every skipped file can still recover
// by re-reading, but that defeats the point of skip-existing in the first
// place, so this package never does it automatically.
func recoverSkippedHash(src string, srcInfo os.FileInfo, dst string, hashCache HashCache) (string, error) {
	if hashCache != nil {
		if hash, ok := hashCache.Lookup(src, srcInfo.Size(), srcInfo.ModTime()); ok {
			return hash, nil
		}
	}

	hash, err := manifest.FindHash(dst)
	if err != nil {
		return "", nil //nolint:nilerr // best-effort recovery; absence is not a failure
	}
	if hashCache != nil {
		hashCache.Store(src, srcInfo.Size(), srcInfo.ModTime(), hash)
	}
	return hash, nil
}

// cleanupTemps removes every temp path on a best-effort basis; a path that
// was never created (NotFound) is not an error worth reporting.
func cleanupTemps(tempPaths []string) {
	for _, tmp := range tempPaths {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			continue
		}
	}
}
