package app

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the pcfuzz tool.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcfuzz",
		Short: "A PC-sampling coverage-guided fuzzer for NVMe passthru commands.",
		Long: `pcfuzz drives NVMe passthru commands against a target device while
sampling its program counter over a debug probe, builds edge coverage from
the samples, and mutates its corpus toward unexplored control flow.`,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewDiagnoseCommand())

	return cmd
}
