// Package cli holds the gateway's cobra commands.
package cli

import (
	"context"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

// NewRootCommand builds the iiot-gateway command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "iiot-gateway",
		Short: "Store-and-forward telemetry gateway with alarm lifecycle management",
		Long: `iiot-gateway buffers telemetry for downstream systems that may be
unreachable, evaluates alarm rules and serves the alarm lifecycle API.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (defaults to $GATEWAY_CONFIG)")

	root.AddCommand(newServeCommand(opts), newMigrateCommand(opts))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}
