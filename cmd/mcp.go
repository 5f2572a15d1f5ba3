package cmd

import (
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	mcpserver "github.com/joescharf/docreview/internal/mcp"
	"github.com/joescharf/docreview/internal/runs"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client manage review sessions, extract checklists and
run evaluations. Configure in Claude Code with:

  {
    "mcpServers": {
      "docreview": { "command": "docreview", "args": ["mcp"] }
    }
  }

Available tools: docreview_list_sessions, docreview_get_checklist,
docreview_add_checklist_item, docreview_extract_checklist,
docreview_evaluate, docreview_list_results, docreview_cancel_run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}

		// stdout carries the protocol, so logs go to stderr only.
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: serverLogLevel()}))
		mgr, err := newManager(s, runs.NewRegistry(), logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
		defer stop()

		return mcpserver.NewServer(s, mgr, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
