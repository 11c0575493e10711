package walker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ottomatic-io/ocopy/internal/verifiedcopy"
)

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func mustWrite(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWalkMirrorsTreeAcrossDestinations(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst1 := filepath.Join(root, "dst1")
	dst2 := filepath.Join(root, "dst2")
	mustMkdir(t, filepath.Join(src, "A001XXXX"))
	mustMkdir(t, dst1)
	mustMkdir(t, dst2)
	mustWrite(t, filepath.Join(src, "A001XXXX", "clip1.mov"), "one")
	mustWrite(t, filepath.Join(src, "A001XXXX", "clip2.mov"), "two")
	mustWrite(t, filepath.Join(src, "root.txt"), "root-level")

	files, err := Walk(context.Background(), src, []string{dst1, dst2}, verifiedcopy.Options{Verify: true}, nil, nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("files = %d, want 3", len(files))
	}

	for _, dst := range []string{dst1, dst2} {
		for _, rel := range []string{filepath.Join("A001XXXX", "clip1.mov"), filepath.Join("A001XXXX", "clip2.mov"), "root.txt"} {
			if _, err := os.Stat(filepath.Join(dst, rel)); err != nil {
				t.Errorf("%s missing in %s: %v", rel, dst, err)
			}
		}
	}
}

func TestWalkIgnoresDSStoreAndFseventsd(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	mustMkdir(t, src)
	mustMkdir(t, dst)
	mustWrite(t, filepath.Join(src, ".DS_Store"), "junk")
	mustMkdir(t, filepath.Join(src, ".fseventsd"))
	mustWrite(t, filepath.Join(src, ".some_hidden_file"), "keep me")

	files, err := Walk(context.Background(), src, []string{dst}, verifiedcopy.Options{}, nil, nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(files) != 1 || files[0].Path != filepath.Join(src, ".some_hidden_file") {
		t.Fatalf("files = %+v, want exactly .some_hidden_file", files)
	}
	if _, err := os.Stat(filepath.Join(dst, ".DS_Store")); !os.IsNotExist(err) {
		t.Error(".DS_Store should not have been copied")
	}
	if _, err := os.Stat(filepath.Join(dst, ".fseventsd")); !os.IsNotExist(err) {
		t.Error(".fseventsd should not have been copied")
	}
	if _, err := os.Stat(filepath.Join(dst, ".some_hidden_file")); err != nil {
		t.Error(".some_hidden_file should have been copied")
	}
}

func TestWalkCollectsPerFileErrorsAndContinues(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	mustMkdir(t, src)
	mustMkdir(t, dst)
	mustWrite(t, filepath.Join(src, "ok.txt"), "fine")
	mustWrite(t, filepath.Join(src, "conflict.txt"), "new content")
	mustWrite(t, filepath.Join(dst, "conflict.txt"), "existing content")

	files, err := Walk(context.Background(), src, []string{dst}, verifiedcopy.Options{}, nil, nil)
	var treeErr *TreeError
	if !errors.As(err, &treeErr) {
		t.Fatalf("err = %v, want *TreeError", err)
	}
	if len(treeErr.Errors) != 1 {
		t.Fatalf("errors = %d, want 1", len(treeErr.Errors))
	}
	if treeErr.Errors[0].Source != filepath.Join(src, "conflict.txt") {
		t.Errorf("error source = %q", treeErr.Errors[0].Source)
	}
	if len(files) != 1 || files[0].Path != filepath.Join(src, "ok.txt") {
		t.Fatalf("files = %+v, want exactly ok.txt", files)
	}
}

func TestWalkCopiesDirectoryMetadataAfterRecursion(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	subdir := filepath.Join(src, "sub")
	mustMkdir(t, subdir)
	mustMkdir(t, dst)
	mustWrite(t, filepath.Join(subdir, "f.txt"), "data")

	if err := os.Chmod(subdir, 0o700); err != nil {
		t.Fatal(err)
	}

	if _, err := Walk(context.Background(), src, []string{dst}, verifiedcopy.Options{}, nil, nil); err != nil {
		t.Fatalf("Walk: %v", err)
	}

	info, err := os.Stat(filepath.Join(dst, "sub"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Errorf("dst subdir mode = %v, want 0700", info.Mode().Perm())
	}
}

func TestWalkStopsAtCancellation(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	mustMkdir(t, src)
	mustMkdir(t, dst)
	mustWrite(t, filepath.Join(src, "a.txt"), "a")
	mustWrite(t, filepath.Join(src, "b.txt"), "b")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	files, err := Walk(ctx, src, []string{dst}, verifiedcopy.Options{}, nil, nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("files = %d, want 0 after immediate cancellation", len(files))
	}
}

func TestWalkEmptySourceProducesNoFiles(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	mustMkdir(t, src)
	mustMkdir(t, dst)

	files, err := Walk(context.Background(), src, []string{dst}, verifiedcopy.Options{}, nil, nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("files = %d, want 0", len(files))
	}
}
