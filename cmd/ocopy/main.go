package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// exitCode is set by a subcommand's RunE before it returns, letting main
// distinguish "ran, but some files failed or space was short" (1) from "ran
// successfully" (0). A cobra Execute() error always maps to
// exitInvalidArgs: bad flags, an unknown command or a wrong arg count, and
// also an error a RunE returns before any copying starts (unreadable
// source, cache file that cannot be opened).
var exitCode = exitOK

const (
	exitOK          = 0
	exitFailures    = 1
	exitInvalidArgs = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "ocopy",
		Short:   "Single-read, fan-out verified copy of a source tree to N destinations",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newCopyCmd())
	root.AddCommand(newCheckCmd())

	if err := root.Execute(); err != nil {
		return exitInvalidArgs
	}
	return exitCode
}
