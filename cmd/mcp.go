package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/joescharf/cmdassist/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client drive command sessions: it starts a session,
reads the proposed command, and approves or rejects it. Configure with:

  {
    "mcpServers": {
      "cmdassist": { "command": "cmdassist", "args": ["mcp"] }
    }
  }

Available tools: cmdassist_start_session, cmdassist_submit_decision,
cmdassist_get_session, cmdassist_list_sessions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		svc, st, err := newService(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		return mcp.NewServer(svc, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
