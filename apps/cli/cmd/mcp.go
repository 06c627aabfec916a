package cmd

import (
	"github.com/spf13/cobra"

	"github.com/slush-dev/push-registry/apps/cli/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP (Model Context Protocol) server on stdio",
	Long: `Start an MCP server that exposes the token registry as tools and
resources for LLM integration.

The server communicates via JSON-RPC over stdin/stdout. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		s := mcpserver.New(a, rootCmd.Version, log.With("component", "mcp"))
		return s.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
