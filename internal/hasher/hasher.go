// Package hasher computes the streaming xxhash64 checksum the MHL wire
// format (xxhash64be) requires, and the concurrent multi-file comparison
// used to verify a fan-out copy landed identically on every destination.
//
// xxhash64 was chosen upstream for its throughput, not as a security hash;
// it is not cryptographic. Output is 16 lowercase hex chars.
package hasher

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ottomatic-io/ocopy/internal/progressbus"
)

// ChunkSize is the read/hash granularity used throughout the copy engine.
const ChunkSize = 1 << 20 // 1 MiB

// MismatchHash is the sentinel MultiHash returns when destinations and
// source disagree. It deliberately cannot collide with a real digest: a
// real xxhash64be digest is always exactly 16 hex characters.
const MismatchHash = "hashes_do_not_match"

// HashFile reads path in ChunkSize chunks, returning its xxhash64be digest.
// If bus is non-nil, emits a progress event of size len(chunk)/divisor after
// each chunk is read. divisor exists so that verification progress — which
// re-reads N+1 files covering the same logical source bytes — contributes
// correctly to a unified progress budget; pass 1 for a plain single-file hash.
func HashFile(ctx context.Context, path string, bus *progressbus.Bus, divisor int64) (string, error) {
	if divisor <= 0 {
		divisor = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	x := xxhash.New()
	buf := make([]byte, ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := x.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("hash %s: %w", path, err)
			}
			bus.Emit(path, float64(n)/float64(divisor))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("hash %s: %w", path, readErr)
		}
	}

	return HexDigest(x.Sum64()), nil
}

// MultiHash hashes every path in paths concurrently (one goroutine per
// path), using divisor = len(paths) so each contributes its fair share of
// progress against a budget covering all of them. Returns the unique digest
// if every path produced the same one, else MismatchHash. There is no
// ordering guarantee among the concurrent hash tasks.
func MultiHash(ctx context.Context, paths []string, bus *progressbus.Bus) (string, error) {
	type result struct {
		hash string
		err  error
	}

	results := make([]result, len(paths))
	var wg sync.WaitGroup
	wg.Add(len(paths))

	for i, p := range paths {
		go func(i int, p string) {
			defer wg.Done()
			h, err := HashFile(ctx, p, bus, int64(len(paths)))
			results[i] = result{hash: h, err: err}
		}(i, p)
	}
	wg.Wait()

	unique := make(map[string]struct{}, 1)
	for _, r := range results {
		if r.err != nil {
			return "", r.err
		}
		unique[r.hash] = struct{}{}
	}

	if len(unique) == 1 {
		for h := range unique {
			return h, nil
		}
	}
	return MismatchHash, nil
}

// HexDigest renders a 64-bit hash as 16 lowercase hex chars, big-endian,
// per the MHL xxhash64be convention. Shared by every package in the copy
// engine that produces a final xxhash64 digest, so the wire format stays
// in exactly one place.
func HexDigest(sum uint64) string {
	return fmt.Sprintf("%016x", sum)
}
