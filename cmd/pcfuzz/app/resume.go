package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewResumeCommand creates the "resume" subcommand: like "run", but
// refuses to start if no prior corpus/state exists, instead of silently
// falling back to loading the initial seed directory.
func NewResumeCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a previously interrupted fuzzing run.",
		Long: `Resume a fuzzing run from the output directory's saved corpus and
run state. Fails if no prior run is found there — use "run" to start fresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(output)
			if err != nil {
				return err
			}

			if err := c.corpus.Recover(); err != nil {
				return fmt.Errorf("failed to recover corpus: %w", err)
			}
			if c.corpus.Len() == 0 {
				return fmt.Errorf("no prior corpus found in %s, use 'run' to start fresh", output)
			}

			return runWithCancellation(c)
		},
	}

	cmd.Flags().StringVar(&output, "output", "fuzz_out", "Output directory holding the prior run's corpus, coverage, and state")
	return cmd
}
