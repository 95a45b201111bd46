package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the nanoclawd command tree: serve, onboard, config,
// and doctor. Grounded on the teacher's cmd/devclaw/main.go +
// cmd/copilot/commands top-level layout — one root command carrying
// --config and --verbose persistent flags, with every subcommand reading
// them off cmd.Root().
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nanoclawd",
		Short:   "NanoClaw multi-channel assistant orchestrator",
		Version: version,
	}

	cmd.PersistentFlags().String("config", "", "path to config.yaml (default: auto-discover)")
	cmd.PersistentFlags().Bool("verbose", false, "enable debug logging")

	cmd.AddCommand(
		newServeCmd(),
		newOnboardCmd(),
		newConfigCmd(),
		newDoctorCmd(),
	)

	return cmd
}
