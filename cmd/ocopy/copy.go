package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/ottomatic-io/ocopy/internal/cache"
	"github.com/ottomatic-io/ocopy/internal/copyjob"
	"github.com/ottomatic-io/ocopy/internal/diskspace"
	"github.com/ottomatic-io/ocopy/internal/progress"
	"github.com/spf13/cobra"
)

// copyOptions holds CLI flags for the copy command. Each of overwrite,
// verify, skipExisting and machineReadable has a paired negative flag
// (--dont-overwrite, --dont-verify, --dont-skip, --human-readable) that
// cobra's plain BoolVar can't synthesize on its own, so both halves of each
// pair get their own flag and whichever negative half was passed wins.
type copyOptions struct {
	overwrite       bool
	noOverwrite     bool
	verify          bool
	noVerify        bool
	skipExisting    bool
	noSkipExisting  bool
	machineReadable bool
	humanReadable   bool
	cacheFile       string
}

// resolveNegatedFlags applies the --dont-*/--human-readable half of each
// pair over the positive half's default, after flag parsing.
func (o *copyOptions) resolveNegatedFlags() {
	if o.noOverwrite {
		o.overwrite = false
	}
	if o.noVerify {
		o.verify = false
	}
	if o.noSkipExisting {
		o.skipExisting = false
	}
	if o.humanReadable {
		o.machineReadable = false
	}
}

// newCopyCmd creates the copy subcommand.
func newCopyCmd() *cobra.Command {
	opts := &copyOptions{
		verify:       true,
		skipExisting: true,
	}

	cmd := &cobra.Command{
		Use:   "copy SOURCE DESTINATION...",
		Short: "Copy a source tree to one or more destinations, verifying every byte",
		Long: `Walks SOURCE once, fanning the read out live to every DESTINATION, checksumming
in flight with xxhash64, then independently re-reading and re-hashing every
destination (and the source) to confirm they match. Writes an MHL manifest
and an xxHash.txt summary into each destination root.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			opts.resolveNegatedFlags()
			return runCopy(args[0], args[1:], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "Overwrite existing destination files")
	cmd.Flags().BoolVar(&opts.noOverwrite, "dont-overwrite", false, "Do not overwrite existing destination files (default)")
	cmd.Flags().BoolVar(&opts.verify, "verify", opts.verify, "Re-hash every destination after copying to confirm it matches the source (default)")
	cmd.Flags().BoolVar(&opts.noVerify, "dont-verify", false, "Skip the post-copy re-hash")
	cmd.Flags().BoolVar(&opts.skipExisting, "skip-existing", opts.skipExisting, "Skip a destination file whose size and mtime already match the source (default)")
	cmd.Flags().BoolVar(&opts.noSkipExisting, "dont-skip", false, "Always recopy, even when the destination already matches")
	cmd.Flags().BoolVar(&opts.machineReadable, "machine-readable", false, "Emit one integer percent per line on stdout instead of a progress bar")
	cmd.Flags().BoolVar(&opts.humanReadable, "human-readable", false, "Render a progress bar (default)")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to verification hash cache file (enables caching)")

	return cmd
}

// runCopy drives a single CopyJob end to end: construct (without starting)
// so TotalSize is known, preflight free-space against every destination,
// then start, drain progress, report errors, and pick an exit code.
func runCopy(src string, dsts []string, opts *copyOptions) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	hashCache, err := cache.Open(opts.cacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = hashCache.Close() }()

	job, err := copyjob.New(src, dsts, opts.overwrite, opts.verify, opts.skipExisting, false, hashCache)
	if err != nil {
		return fmt.Errorf("measure source: %w", err)
	}

	checkDestinationSpace(dsts, job.TotalSize())

	job.Start()

	if opts.machineReadable {
		for pct := range job.Progress() {
			fmt.Println(pct)
		}
	} else {
		drainHumanProgress(job)
	}

	_ = job.Wait(context.Background())

	for _, e := range job.Errors() {
		fmt.Fprintf(os.Stderr, "error: %s -> %v: %s\n", e.Source, e.Destinations, e.Message)
	}

	if len(job.Errors()) > 0 {
		exitCode = exitFailures
	}
	return nil
}

// checkDestinationSpace warns (without aborting) when a destination looks
// short on room for needed bytes. Insufficient space alone still earns
// exitFailures, not an aborted run — the copy still proceeds and will
// surface its own errors if space actually runs out.
func checkDestinationSpace(dsts []string, needed int64) {
	for _, d := range dsts {
		fits, err := diskspace.CheckFits(d, needed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not check free space at %s: %v\n", d, err)
			continue
		}
		if !fits {
			free, _ := diskspace.Available(d)
			fmt.Fprintf(os.Stderr, "warning: %s has %s free, source needs %s\n",
				d, humanize.Bytes(free), humanize.Bytes(uint64(needed)))
			exitCode = exitFailures
		}
	}
}

func drainHumanProgress(job *copyjob.Job) {
	bar := progress.New(true, job.TodoSize())
	for range job.Progress() {
		bar.Set(uint64(job.TotalDone()))
		bar.Describe(progressLabel{job})
	}
	bar.Finish(progressLabel{job})
}

// progressLabel adapts CopyJob's current-item/speed readout to fmt.Stringer
// for progress.Bar's Describe/Finish.
type progressLabel struct{ job *copyjob.Job }

func (p progressLabel) String() string {
	return fmt.Sprintf("%s (%s/s)", p.job.CurrentItem(), humanize.Bytes(uint64(p.job.Speed())))
}
