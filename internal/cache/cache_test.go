package cache

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCacheDisabled(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer func() { _ = c.Close() }()

	c.Store("/test/file", 100, time.Now(), "6878668a929c42c1")
	if _, ok := c.Lookup("/test/file", 100, time.Now()); ok {
		t.Error("Lookup() on disabled cache returned a hit, want miss")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	cachePath := filepath.Join(tmpDir, "cache.db")
	mtime := time.Unix(1609459200, 0)

	c1, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	c1.Store("/test/file.txt", 1024, mtime, "6878668a929c42c1")
	if err := c1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c2, err := Open(cachePath)
	if err != nil {
		t.Fatalf("Open() second time failed: %v", err)
	}
	defer func() { _ = c2.Close() }()

	hash, ok := c2.Lookup("/test/file.txt", 1024, mtime)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if hash != "6878668a929c42c1" {
		t.Errorf("hash = %q, want 6878668a929c42c1", hash)
	}
}

func TestCacheMissOnMtimeChange(t *testing.T) {
	tmpDir := t.TempDir()
	cachePath := filepath.Join(tmpDir, "cache.db")

	c1, _ := Open(cachePath)
	c1.Store("/test/file.txt", 1024, time.Unix(1609459200, 0), "6878668a929c42c1")
	_ = c1.Close()

	c2, _ := Open(cachePath)
	defer func() { _ = c2.Close() }()

	if _, ok := c2.Lookup("/test/file.txt", 1024, time.Unix(1609459201, 0)); ok {
		t.Error("expected miss after mtime change")
	}
}

func TestCacheMissOnSizeChange(t *testing.T) {
	tmpDir := t.TempDir()
	cachePath := filepath.Join(tmpDir, "cache.db")
	mtime := time.Now()

	c1, _ := Open(cachePath)
	c1.Store("/test/file.txt", 1024, mtime, "6878668a929c42c1")
	_ = c1.Close()

	c2, _ := Open(cachePath)
	defer func() { _ = c2.Close() }()

	if _, ok := c2.Lookup("/test/file.txt", 2048, mtime); ok {
		t.Error("expected miss after size change")
	}
}

func TestCacheMissOnPathChange(t *testing.T) {
	tmpDir := t.TempDir()
	cachePath := filepath.Join(tmpDir, "cache.db")
	mtime := time.Now()

	c1, _ := Open(cachePath)
	c1.Store("/test/original.txt", 1024, mtime, "6878668a929c42c1")
	_ = c1.Close()

	c2, _ := Open(cachePath)
	defer func() { _ = c2.Close() }()

	if _, ok := c2.Lookup("/test/renamed.txt", 1024, mtime); ok {
		t.Error("expected miss after path change")
	}
}

func TestSelfCleaning(t *testing.T) {
	tmpDir := t.TempDir()
	cachePath := filepath.Join(tmpDir, "cache.db")
	mtime := time.Now()

	c1, _ := Open(cachePath)
	c1.Store("/a.txt", 100, mtime, "6878668a929c42c1")
	c1.Store("/b.txt", 200, mtime, "75ba28003b6bfc18")
	_ = c1.Close()

	c2, _ := Open(cachePath)
	c2.Lookup("/a.txt", 100, mtime) // hit, copied forward
	// /b.txt is never looked up in this run, so it becomes an orphan.
	_ = c2.Close()

	c3, _ := Open(cachePath)
	defer func() { _ = c3.Close() }()

	if _, ok := c3.Lookup("/a.txt", 100, mtime); !ok {
		t.Error("/a.txt should still exist after self-cleaning")
	}
	if _, ok := c3.Lookup("/b.txt", 200, mtime); ok {
		t.Error("/b.txt should have been cleaned")
	}
}

func TestStoreEmptyHashIsNoop(t *testing.T) {
	tmpDir := t.TempDir()
	cachePath := filepath.Join(tmpDir, "cache.db")

	c, _ := Open(cachePath)
	defer func() { _ = c.Close() }()

	c.Store("/test.txt", 100, time.Now(), "")
	if _, ok := c.Lookup("/test.txt", 100, time.Now()); ok {
		t.Error("expected no entry after storing an empty hash")
	}
}

func TestMakeKeyDeterministic(t *testing.T) {
	mtime := time.Unix(1609459200, 123456789)
	key1 := makeKey("/test/file.txt", 1024, mtime)
	key2 := makeKey("/test/file.txt", 1024, mtime)

	if string(key1) != string(key2) {
		t.Error("makeKey() not deterministic")
	}
}

func TestCacheDirCreation(t *testing.T) {
	tmpDir := t.TempDir()
	nestedPath := filepath.Join(tmpDir, "a", "b", "c", "cache.db")

	c, err := Open(nestedPath)
	if err != nil {
		t.Fatalf("Open() failed with nested path: %v", err)
	}
	_ = c.Close()
}
