// Package walker performs the sequential, mirrored descent of a source
// directory tree into N destination roots, invoking verifiedcopy.Copy on
// each regular file and accumulating per-file failures instead of
// aborting. Files are processed one at a time rather than in parallel —
// each file already fans its single read out to every destination, so
// cross-file concurrency would just add contention without more
// throughput. A directory's own metadata (mode, mtime) is copied onto each
// destination only after every entry inside it has finished, the same way
// copying a directory's mtime before its contents change would get
// immediately overwritten by those later writes.
package walker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ottomatic-io/ocopy/internal/types"
	"github.com/ottomatic-io/ocopy/internal/verifiedcopy"
)

// ignoreNames lists basenames skipped unconditionally, matched exactly
// (other dotfiles are copied normally).
var ignoreNames = map[string]bool{
	".DS_Store":  true,
	".fseventsd": true,
}

const readDirBatch = 1000

// TreeError aggregates every per-file failure collected during a Walk. It
// is the only error Walk ever returns; a failure reading the root
// directory is reported as an entry in it too.
type TreeError struct {
	Errors []types.ErrorEntry
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("tree walk: %d file(s) failed", len(e.Errors))
}

// SkipCounter is threaded through to verifiedcopy.Copy for skip-existing
// accounting; CopyJob implements it against its job-wide skipped counter.
type SkipCounter = verifiedcopy.SkipCounter

// HashCache is threaded through to verifiedcopy.Copy so a full-skip on a
// repeat run can recover a file's hash from a prior run without touching
// the destination filesystem.
type HashCache = verifiedcopy.HashCache

// Walk mirrors every entry under srcRoot into each of dstRoots, recursing
// into subdirectories and invoking verifiedcopy.Copy on regular files. The
// destination roots must already exist. Returns the FileInfo of every file
// that copied (or recovered a hash via full skip) successfully; if any
// per-file failures occurred, the returned error is a *TreeError carrying
// them, and files still holds whatever succeeded alongside the failures.
func Walk(ctx context.Context, srcRoot string, dstRoots []string, opts verifiedcopy.Options, skipped SkipCounter, hashCache HashCache) ([]types.FileInfo, error) {
	files, errs := walkDir(ctx, srcRoot, dstRoots, opts, skipped, hashCache)
	if len(errs) > 0 {
		return files, &TreeError{Errors: errs}
	}
	return files, nil
}

func walkDir(ctx context.Context, srcDir string, dstDirs []string, opts verifiedcopy.Options, skipped SkipCounter, hashCache HashCache) ([]types.FileInfo, []types.ErrorEntry) {
	entries, err := readDir(srcDir)
	if err != nil {
		return nil, []types.ErrorEntry{{Source: srcDir, Destinations: dstDirs, Message: err.Error()}}
	}

	var files []types.FileInfo
	var errs []types.ErrorEntry

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}

		name := entry.Name()
		if ignoreNames[name] {
			continue
		}

		srcPath := filepath.Join(srcDir, name)
		dstPaths := make([]string, len(dstDirs))
		for i, d := range dstDirs {
			dstPaths[i] = filepath.Join(d, name)
		}

		if entry.IsDir() {
			subFiles, subErrs := walkSubdir(ctx, srcPath, dstPaths, opts, skipped, hashCache)
			files = append(files, subFiles...)
			errs = append(errs, subErrs...)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			errs = append(errs, types.ErrorEntry{Source: srcPath, Destinations: dstPaths, Message: err.Error()})
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		hash, err := verifiedcopy.Copy(ctx, srcPath, dstPaths, opts, skipped, hashCache)
		if err != nil {
			errs = append(errs, types.ErrorEntry{Source: srcPath, Destinations: dstPaths, Message: err.Error()})
			continue
		}
		files = append(files, types.FileInfo{
			Path:    srcPath,
			Hash:    hash,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	return files, errs
}

func walkSubdir(ctx context.Context, srcPath string, dstPaths []string, opts verifiedcopy.Options, skipped SkipCounter, hashCache HashCache) ([]types.FileInfo, []types.ErrorEntry) {
	for _, d := range dstPaths {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, []types.ErrorEntry{{Source: srcPath, Destinations: dstPaths, Message: err.Error()}}
		}
	}

	files, errs := walkDir(ctx, srcPath, dstPaths, opts, skipped, hashCache)

	if srcInfo, err := os.Stat(srcPath); err == nil {
		for _, d := range dstPaths {
			_ = copyDirMetadata(srcInfo, d)
		}
	}

	return files, errs
}

func copyDirMetadata(srcInfo os.FileInfo, dst string) error {
	if err := os.Chmod(dst, srcInfo.Mode()); err != nil {
		return err
	}
	mtime := srcInfo.ModTime()
	return os.Chtimes(dst, mtime, mtime)
}

// readDir lists srcDir in batches, so a directory with an unusually large
// number of entries doesn't force one huge slice allocation up front.
func readDir(srcDir string) ([]os.DirEntry, error) {
	dir, err := os.Open(srcDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dir.Close() }()

	var all []os.DirEntry
	for {
		batch, err := dir.ReadDir(readDirBatch)
		all = append(all, batch...)
		if err != nil {
			if err == io.EOF {
				break
			}
			return all, err
		}
		if len(batch) == 0 {
			break
		}
	}
	return all, nil
}
