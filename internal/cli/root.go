package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// DefaultServer — адрес API по умолчанию, если не задан --server и TOWER_SERVER.
const DefaultServer = "http://localhost:8080"

// NewRootCmd создаёт корневую команду tower-cli.
func NewRootCmd(version string) *cobra.Command {
	var server string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "tower",
		Short:         "Tower CLI — recursive task orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultServer := os.Getenv("TOWER_SERVER")
	if defaultServer == "" {
		defaultServer = DefaultServer
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", defaultServer, "API server URL (env TOWER_SERVER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *Client { return NewClient(server) }
	outputFn := func() *Output {
		return NewOutputTo(jsonOutput, rootCmd.OutOrStdout(), rootCmd.ErrOrStderr())
	}

	rootCmd.AddCommand(
		NewTraceCmd(clientFn, outputFn),
		NewTaskCmd(clientFn, outputFn),
		NewDefinitionCmd(clientFn, outputFn),
	)
	return rootCmd
}
