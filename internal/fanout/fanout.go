// Package fanout implements the single-read, fan-out copy of one source
// file to K destination paths: one reader, K writer goroutines, a rolling
// xxhash64 checksum of the source computed in-line with the read. Each
// writer gets its own buffered channel; the reader closes every channel on
// EOF rather than pushing a sentinel value down it, which keeps a zero- or
// short-length chunk from ever being mistaken for shutdown.
package fanout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ottomatic-io/ocopy/internal/hasher"
	"github.com/ottomatic-io/ocopy/internal/progressbus"
)

// writerBufChunks is the number of chunks buffered between the reader and
// each writer goroutine. At ChunkSize=1MiB this allows up to ~10MiB of
// slack per destination before a slow writer applies backpressure to the
// reader (and so to every other writer, since all writers share one reader).
const writerBufChunks = 10

// Copy reads src once, writing identical chunks to every path in dsts
// concurrently, and returns the xxhash64be digest of the bytes read from
// src. chunkSize of 0 uses a 1 MiB default.
//
// Any writer error aborts the copy: it cancels a derived context, the
// reader stops and closes every writer channel, the remaining writers
// finish the chunks already buffered and exit, and the first error in
// destination order is returned. The caller owns partial-file cleanup on error — this package
// does not remove files it already wrote to.
func Copy(ctx context.Context, src string, dsts []string, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open source %s: %w", src, err)
	}
	defer func() { _ = srcFile.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := progressbus.From(ctx)

	writerChans := make([]chan []byte, len(dsts))
	var wg sync.WaitGroup
	errs := make([]error, len(dsts))

	for i, dst := range dsts {
		writerChans[i] = make(chan []byte, writerBufChunks)
		wg.Add(1)
		go func(i int, dst string, ch <-chan []byte) {
			defer wg.Done()
			errs[i] = runWriter(ctx, dst, ch, cancel)
		}(i, dst, writerChans[i])
	}

	x := xxhash.New()
	buf := make([]byte, chunkSize)
	var readErr error

readLoop:
	for {
		select {
		case <-ctx.Done():
			break readLoop
		default:
		}

		n, rErr := srcFile.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			for _, ch := range writerChans {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					break readLoop
				}
			}
			_, _ = x.Write(chunk)
			bus.Emit(src, float64(n))
		}
		if rErr != nil {
			if rErr != io.EOF {
				readErr = rErr
				cancel()
			}
			break
		}
	}

	for _, ch := range writerChans {
		close(ch)
	}
	wg.Wait()

	if readErr != nil {
		return "", fmt.Errorf("read %s: %w", src, readErr)
	}
	for i, err := range errs {
		if err != nil {
			return "", fmt.Errorf("write %s: %w", dsts[i], err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return "", fmt.Errorf("stat source %s: %w", src, err)
	}
	for _, dst := range dsts {
		if err := copyMetadata(srcInfo, dst); err != nil {
			return "", fmt.Errorf("copy metadata to %s: %w", dst, err)
		}
	}

	return hasher.HexDigest(x.Sum64()), nil
}

// runWriter drains ch into a freshly-created file at dst until ch is
// closed, then closes the file. Any create or write error cancels the
// shared context so the reader stops and closes every channel. runWriter
// does not watch the context itself: a sibling writer drains whatever is
// still buffered in its channel and returns nil — the originating error is
// reported by whichever goroutine actually produced it, never synthesized
// here.
func runWriter(_ context.Context, dst string, ch <-chan []byte, cancel context.CancelFunc) error {
	f, err := os.Create(dst)
	if err != nil {
		cancel()
		return err
	}
	defer func() { _ = f.Close() }()

	for chunk := range ch {
		if _, err := f.Write(chunk); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

func copyMetadata(srcInfo os.FileInfo, dst string) error {
	if err := os.Chmod(dst, srcInfo.Mode()); err != nil {
		return err
	}
	mtime := srcInfo.ModTime()
	return os.Chtimes(dst, mtime, mtime)
}
