package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaxwide/pcfuzz/internal/logger"
)

// NewRunCommand creates the "run" subcommand: fresh or recovered start.
func NewRunCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start (or recover) a fuzzing run.",
		Long: `Start a fuzzing run against the configured NVMe device and debug probe.

If the output directory already holds a corpus and run state, it picks up
where it left off; otherwise it loads the initial seed corpus from
fuzz.seed_dir and runs calibration before the main loop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(output)
			if err != nil {
				return err
			}

			if err := c.corpus.Recover(); err != nil {
				return fmt.Errorf("failed to recover corpus: %w", err)
			}

			if c.corpus.Len() == 0 {
				logger.Info("corpus is empty, loading initial seeds from %s", c.cfg.Fuzz.SeedDir)
				if err := loadInitialSeeds(c.corpus, c.cfg.Fuzz.SeedDir, c.templates); err != nil {
					return err
				}
			}

			return runWithCancellation(c)
		},
	}

	cmd.Flags().StringVar(&output, "output", "fuzz_out", "Output directory for corpus, coverage, state, and crash artifacts")
	return cmd
}
