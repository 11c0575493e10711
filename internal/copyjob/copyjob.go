// Package copyjob is the long-lived orchestrator the CLI drives: it owns
// the progress bus, the cancellation flag, and the worker goroutine that
// runs TreeWalker then ManifestWriter over a single construct-once job.
//
// A Job runs its phases sequentially over a single goroutine and reports
// progress through atomic counters rather than locking on every byte, so
// readers (CLI polling loops, tests) never contend with the copy itself.
package copyjob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ottomatic-io/ocopy/internal/manifest"
	"github.com/ottomatic-io/ocopy/internal/progressbus"
	"github.com/ottomatic-io/ocopy/internal/types"
	"github.com/ottomatic-io/ocopy/internal/verifiedcopy"
	"github.com/ottomatic-io/ocopy/internal/walker"
)

// HashCache is consulted by the walk's VerifiedCopier on every skip-existing
// recovery; *cache.Cache satisfies this directly. A nil HashCache is valid
// and disables recovery-via-cache entirely (MHL recovery still applies).
type HashCache = walker.HashCache

// State is the job's lifecycle stage. A Job moves CREATED -> RUNNING ->
// exactly one terminal state, never reverting.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateFinishedOK
	StateFinishedWithErrors
	StateCancelledFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateFinishedOK:
		return "FINISHED_OK"
	case StateFinishedWithErrors:
		return "FINISHED_WITH_ERRORS"
	case StateCancelledFinished:
		return "CANCELLED_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Options mirrors the flags a caller passes through to every VerifiedCopier
// invocation the walk performs.
type Options struct {
	Overwrite    bool
	Verify       bool
	SkipExisting bool
}

// Job is a construct-once, start-once handle over a single copy operation.
type Job struct {
	src   string
	dsts  []string
	opts  Options
	cache HashCache

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	startTime time.Time

	totalSize int64
	todoSize  int64
	totalDone atomic.Int64
	skipped   atomic.Int64

	currentItem atomic.Value // string

	mu       sync.Mutex
	state    State
	errs     []types.ErrorEntry
	finished bool
	doneCh   chan struct{}
}

// New constructs a Job. If autoStart is true, Start is called immediately;
// otherwise the caller must call Start explicitly. folder_size(src) is
// computed eagerly so percent-done has a denominator from the first tick.
// cache may be nil; when non-nil the walk's VerifiedCopier consults it when
// every destination of a file is skipped, and stores each successfully
// copied file's hash in it.
func New(src string, dsts []string, overwrite, verify, skipExisting, autoStart bool, cache HashCache) (*Job, error) {
	total, err := folderSize(src)
	if err != nil {
		return nil, fmt.Errorf("measure source size: %w", err)
	}

	todo := total
	if verify {
		todo = total * 2
	}

	ctx, cancel := context.WithCancel(context.Background())

	j := &Job{
		src:       src,
		dsts:      dsts,
		opts:      Options{Overwrite: overwrite, Verify: verify, SkipExisting: skipExisting},
		cache:     cache,
		ctx:       ctx,
		cancel:    cancel,
		totalSize: total,
		todoSize:  todo,
		doneCh:    make(chan struct{}),
	}
	j.currentItem.Store("")

	if autoStart {
		j.Start()
	}
	return j, nil
}

// Start idempotently launches the worker goroutine. Calling Start more
// than once has no further effect.
func (j *Job) Start() {
	j.startOnce.Do(func() {
		j.mu.Lock()
		j.state = StateRunning
		j.mu.Unlock()
		j.startTime = time.Now()
		go j.run()
	})
}

// Cancel requests cooperative cancellation; it returns immediately without
// waiting for the worker to observe it.
func (j *Job) Cancel() {
	j.cancel()
}

// Finished reports whether the worker has exited.
func (j *Job) Finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Wait blocks until the worker has exited or ctx is done, whichever comes
// first. It returns ctx.Err() in the latter case.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the job's current lifecycle stage.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Errors returns the accumulated per-file failures. Meaningful once Finished.
func (j *Job) Errors() []types.ErrorEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.ErrorEntry, len(j.errs))
	copy(out, j.errs)
	return out
}

// SkippedFiles returns the preflight skip count.
func (j *Job) SkippedFiles() int {
	return int(j.skipped.Load())
}

// IncrementSkipped implements verifiedcopy.SkipCounter.
func (j *Job) IncrementSkipped() {
	j.skipped.Add(1)
}

// TotalSize is folder_size(source) in bytes.
func (j *Job) TotalSize() int64 { return j.totalSize }

// TodoSize is the progress denominator: TotalSize, doubled when verify is on.
func (j *Job) TodoSize() int64 { return j.todoSize }

// TotalDone is bytes of progress credited so far (copy reads plus, when
// verifying, re-hash reads).
func (j *Job) TotalDone() int64 { return j.totalDone.Load() }

// CurrentItem is the display path of the most recent progress event.
func (j *Job) CurrentItem() string {
	v, _ := j.currentItem.Load().(string)
	return v
}

// PercentDone is TotalDone/TodoSize clamped to [0, 100]. A zero-byte job
// (empty source) reports 100 unconditionally.
func (j *Job) PercentDone() float64 {
	if j.todoSize <= 0 {
		return 100
	}
	pct := float64(j.totalDone.Load()) / float64(j.todoSize) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// Speed is bytes/sec credited since Start, or 0 before Start or in the
// first instant after it.
func (j *Job) Speed() float64 {
	if j.startTime.IsZero() {
		return 0
	}
	elapsed := time.Since(j.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(j.totalDone.Load()) / elapsed
}

// progressPollInterval bounds how often Progress polls PercentDone; the
// original's equivalent iterator polls in a sleep loop, not on an event.
const progressPollInterval = 10 * time.Millisecond

// Progress returns a channel of percentage strings ("1".."100"), one send
// per newly-crossed integer percent, closed once the job finishes. A
// completed job yields exactly 100 items.
func (j *Job) Progress() <-chan string {
	ch := make(chan string, 100)
	go func() {
		defer close(ch)
		last := 0
		for {
			cur := int(j.PercentDone())
			for last < cur {
				last++
				ch <- fmt.Sprintf("%d", last)
			}
			if j.Finished() {
				for last < 100 {
					last++
					ch <- fmt.Sprintf("%d", last)
				}
				return
			}
			time.Sleep(progressPollInterval)
		}
	}()
	return ch
}

func (j *Job) run() {
	defer func() {
		j.mu.Lock()
		if j.ctx.Err() != nil && len(j.errs) == 0 {
			j.state = StateCancelledFinished
		} else if len(j.errs) > 0 {
			j.state = StateFinishedWithErrors
		} else {
			j.state = StateFinishedOK
		}
		j.finished = true
		j.mu.Unlock()
		j.totalDone.Store(j.todoSize)
		close(j.doneCh)
	}()

	if j.ctx.Err() != nil {
		return
	}

	bus := progressbus.New(1024)
	ctx := progressbus.Into(j.ctx, bus)

	var aggWg sync.WaitGroup
	aggWg.Add(1)
	go func() {
		defer aggWg.Done()
		// doneF accumulates in floating point before each store: verification
		// progress arrives as chunk/divisor fractions, and truncating every
		// individual increment toward zero would undercount the running
		// total even though the final sum still lands on todoSize.
		var doneF float64
		for e := range bus.Events() {
			doneF += e.Increment
			j.totalDone.Store(int64(doneF))
			j.currentItem.Store(e.Path)
		}
	}()

	copyOpts := verifiedcopy.Options{
		Overwrite:    j.opts.Overwrite,
		Verify:       j.opts.Verify,
		SkipExisting: j.opts.SkipExisting,
	}

	files, walkErr := walker.Walk(ctx, j.src, j.dsts, copyOpts, j, j.cache)

	bus.Close()
	aggWg.Wait()

	var treeErr *walker.TreeError
	if errors.As(walkErr, &treeErr) {
		j.mu.Lock()
		j.errs = append(j.errs, treeErr.Errors...)
		j.mu.Unlock()
	} else if walkErr != nil {
		j.mu.Lock()
		j.errs = append(j.errs, types.ErrorEntry{Source: j.src, Destinations: j.dsts, Message: walkErr.Error()})
		j.mu.Unlock()
	}

	if err := manifest.Write(j.dsts, files, j.src, j.startTime, time.Now()); err != nil {
		j.mu.Lock()
		j.errs = append(j.errs, types.ErrorEntry{Source: j.src, Destinations: j.dsts, Message: "write manifest: " + err.Error()})
		j.mu.Unlock()
	}
}

// folderSize sums regular-file sizes under root, recursively, matching the
// original's folder_size helper.
func folderSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
