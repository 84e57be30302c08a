package cmd

import (
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/theapemachine/memcube/pkg/tools"
)

var (
	mcpUserFlag string

	mcpCmd = &cobra.Command{
		Use:   "mcp",
		Short: "Serve the memory tools over MCP stdio",
		Long:  longMCP,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol, so the log must go elsewhere.
			if err := configureLogging(expandHome(viper.GetString("mcp.log_file"))); err != nil {
				return err
			}

			user := mcpUserFlag
			if user == "" {
				user = viper.GetString("mcp.user_id")
			}

			mem, err := buildStack(cmd.Context(), viper.GetViper())
			if err != nil {
				return err
			}
			defer mem.close(cmd.Context())

			srv := server.NewMCPServer(
				"memcube",
				"1.0.0",
				server.WithToolCapabilities(true),
				server.WithLogging(),
			)

			tools.NewMemoryTools(mem.orchestrator, user).Register(srv)

			return server.ServeStdio(srv)
		},
	}
)

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVarP(&mcpUserFlag, "user", "u", "", "User id for tool calls that do not name one, overrides mcp.user_id")
}

var longMCP = `
Serve the memory tools to an MCP client over stdio: memory_add, memory_search,
memory_get, memory_update, memory_delete and memory_neighbors.

Logs are written to mcp.log_file since stdout belongs to the protocol.
`
