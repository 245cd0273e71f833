package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaxwide/pcfuzz/internal/logger"
)

// NewDiagnoseCommand creates the "diagnose" subcommand: probes the target
// before fuzzing begins to estimate an idle PC (§4.2), without running
// any NVMe commands or touching the corpus.
func NewDiagnoseCommand() *cobra.Command {
	var (
		output string
		probes int
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Sample the idle program counter before fuzzing.",
		Long: `Probe the target's program counter n times while it is otherwise idle
and report whether a dominant idle PC was found (required for the sampler's
idle-saturation early-stop heuristic). The result is only reported; it is
not saved, and run and resume do not reuse it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildComponents(output)
			if err != nil {
				return err
			}

			found, err := c.sampler.Diagnose(context.Background(), probes)
			if err != nil {
				return fmt.Errorf("diagnosis failed: %w", err)
			}
			if found {
				logger.Info("idle PC detected: one PC accounts for at least 30%% of samples")
			} else {
				logger.Info("no dominant idle PC found: no single PC reaches 30%% of samples")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "fuzz_out", "Output directory (used only for logs and scratch files during probing)")
	cmd.Flags().IntVar(&probes, "probes", 200, "Number of halt-read-resume probes to sample")
	return cmd
}
