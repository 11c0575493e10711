package verifiedcopy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type countingSkipper struct{ n int }

func (c *countingSkipper) IncrementSkipped() { c.n++ }

type fakeCache struct {
	entries map[string]string
	lookups int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]string{}} }

func (c *fakeCache) key(path string, size int64, mtime time.Time) string {
	return fmt.Sprintf("%s|%d|%d", path, size, mtime.UnixNano())
}

func (c *fakeCache) Lookup(path string, size int64, mtime time.Time) (string, bool) {
	c.lookups++
	h, ok := c.entries[c.key(path, size, mtime)]
	return h, ok
}

func (c *fakeCache) Store(path string, size int64, mtime time.Time, hash string) {
	c.entries[c.key(path, size, mtime)] = hash
}

func TestCopyBasic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.bin")

	hash, err := Copy(context.Background(), src, []string{dst}, Options{Verify: true}, nil, nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if hash == "" {
		t.Error("expected non-empty hash")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("dst content = %q", got)
	}

	if _, err := os.Stat(dst + tempSuffix); !errors.Is(err, os.ErrNotExist) {
		t.Error("temp file left behind after successful copy")
	}
}

func TestCopyMultipleDestinationsNoVerify(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	dsts := []string{
		filepath.Join(dir, "d1.bin"),
		filepath.Join(dir, "d2.bin"),
		filepath.Join(dir, "d3.bin"),
	}

	if _, err := Copy(context.Background(), src, dsts, Options{}, nil, nil); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	for _, d := range dsts {
		got, err := os.ReadFile(d)
		if err != nil {
			t.Fatalf("read %s: %v", d, err)
		}
		if string(got) != "payload" {
			t.Errorf("%s content = %q", d, got)
		}
	}
}

func TestCopyFileExistsWithoutOverwriteOrSkip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Copy(context.Background(), src, []string{dst}, Options{}, nil, nil)
	if !errors.Is(err, ErrFileExists) {
		t.Fatalf("err = %v, want ErrFileExists", err)
	}
}

func TestCopyOverwriteReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("new-payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Copy(context.Background(), src, []string{dst}, Options{Overwrite: true}, nil, nil); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new-payload" {
		t.Errorf("dst content = %q, want new-payload", got)
	}
}

func TestCopySkipExistingMatchingSizeAndMtime(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	content := []byte("identical")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(src, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	beforeInfo, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}

	skipper := &countingSkipper{}
	if _, err := Copy(context.Background(), src, []string{dst}, Options{SkipExisting: true}, skipper, nil); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if skipper.n != 1 {
		t.Errorf("skipped count = %d, want 1", skipper.n)
	}

	afterInfo, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !afterInfo.ModTime().Equal(beforeInfo.ModTime()) {
		t.Error("destination was rewritten despite skip-existing match")
	}
}

func TestCopySkipExistingSizeMismatchStillCopies(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("longer payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(dst, []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Copy(context.Background(), src, []string{dst}, Options{SkipExisting: true}, nil, nil)
	if !errors.Is(err, ErrFileExists) {
		t.Fatalf("err = %v, want ErrFileExists (size mismatch disqualifies skip, overwrite not set)", err)
	}
}

func TestCopyAllDestinationsSkippedNoManifestYieldsEmptyHash(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	content := []byte("identical")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(src, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.bin")
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	hash, err := Copy(context.Background(), src, []string{dst}, Options{SkipExisting: true}, nil, nil)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if hash != "" {
		t.Errorf("hash = %q, want empty (no manifest to recover from)", hash)
	}
}

func TestCopyStoresAndRecoversFromHashCache(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	content := []byte("identical")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(src, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "dst.bin")

	cache := newFakeCache()

	firstHash, err := Copy(context.Background(), src, []string{dst}, Options{Verify: true}, nil, cache)
	if err != nil {
		t.Fatalf("first Copy: %v", err)
	}
	if len(cache.entries) != 1 {
		t.Fatalf("cache entries = %d, want 1 after first copy", len(cache.entries))
	}

	if err := os.Chtimes(dst, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	secondHash, err := Copy(context.Background(), src, []string{dst}, Options{SkipExisting: true}, nil, cache)
	if err != nil {
		t.Fatalf("second Copy: %v", err)
	}
	if secondHash != firstHash {
		t.Errorf("recovered hash = %q, want %q (from cache, not MHL)", secondHash, firstHash)
	}
	if cache.lookups == 0 {
		t.Error("expected cache to be consulted on skip-existing recovery")
	}
}

func TestCopyMissingSourceFails(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "dst.bin")

	_, err := Copy(context.Background(), filepath.Join(dir, "missing.bin"), []string{dst}, Options{}, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestCopyCleansUpTempOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	badDst := filepath.Join(dir, "nosuchdir", "dst.bin")

	_, err := Copy(context.Background(), src, []string{badDst}, Options{}, nil, nil)
	if err == nil {
		t.Fatal("expected error for destination in nonexistent directory")
	}
	if _, statErr := os.Stat(badDst + tempSuffix); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("temp file should not exist after failure")
	}
}
