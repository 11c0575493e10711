package main

import (
	"fmt"
	"os"

	"github.com/ottomatic-io/ocopy/internal/auditor"
	"github.com/spf13/cobra"
)

// newCheckCmd creates the check subcommand: a backup-verification audit
// independent of any particular copy run, matching the original's
// backup_check.get_missing tool.
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check SOURCE DESTINATION",
		Short: "Report source files with no matching name+size anywhere under DESTINATION",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return runCheck(args[0], args[1])
		},
	}
	return cmd
}

func runCheck(src, dst string) error {
	result, err := auditor.GetMissing(src, dst)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	for _, name := range result.Missing {
		fmt.Println(name)
	}
	fmt.Fprintf(os.Stderr, "%d of %d source files have no match under %s\n", len(result.Missing), result.TotalSeen, dst)

	if len(result.Missing) > 0 {
		exitCode = exitFailures
	}
	return nil
}
