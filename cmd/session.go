package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/docreview/internal/sessions"
	"github.com/joescharf/docreview/internal/store"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Manage review sessions",
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List review sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return sessionListRun(cmd.Context(), s)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session with its checklist and grade summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return sessionShowRun(cmd.Context(), s, args[0])
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:     "delete <session-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a session with its checklist and results",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return sessionDeleteRun(cmd.Context(), s, args[0])
	},
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a run in progress on the background server",
	Long: `Cancel the extraction or evaluation running for a session on the
server started with 'docreview serve'. Runs started from this CLI stop
on Ctrl-C instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCancelRun(cmd.Context(), serverURL(), args[0])
	},
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionCancelCmd)
	rootCmd.AddCommand(sessionCmd)
}

func sessionListRun(ctx context.Context, s store.Store) error {
	list, err := s.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions yet. Run 'docreview checklist extract' to create one.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Updated"})
	for _, rs := range list {
		table.Append([]string{rs.ID, rs.Title, rs.UpdatedAt.Local().Format(time.DateTime)})
	}
	table.Render()
	return nil
}

func sessionShowRun(ctx context.Context, s store.Store, id string) error {
	rs, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	items, err := s.ListItems(ctx, id)
	if err != nil {
		return err
	}
	results, err := s.ListResults(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:   %s\n", rs.ID)
	fmt.Fprintf(ui.Out, "Title:     %s\n", rs.Title)
	fmt.Fprintf(ui.Out, "Created:   %s\n", rs.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(ui.Out, "Updated:   %s\n", rs.UpdatedAt.Local().Format(time.DateTime))
	if rs.Instructions != "" {
		fmt.Fprintf(ui.Out, "Instructions:\n  %s\n", rs.Instructions)
	}
	if rs.CommentFormat != "" {
		fmt.Fprintf(ui.Out, "Comment format:\n  %s\n", rs.CommentFormat)
	}
	fmt.Fprintln(ui.Out)

	counts := gradeCounts(results)
	fmt.Fprintf(ui.Out, "Checklist: %d items\n", len(items))
	fmt.Fprintf(ui.Out, "Results:   %d (%s)\n", len(results), formatGradeCounts(counts))
	return nil
}

func sessionDeleteRun(ctx context.Context, s store.Store, id string) error {
	if dryRun {
		ui.DryRunMsg("Would delete session %s", id)
		return nil
	}
	if err := s.DeleteSession(ctx, id); err != nil {
		return err
	}
	ui.Success("Deleted session %s", id)
	return nil
}

// serverURL is the base URL of the local API server.
func serverURL() string {
	return fmt.Sprintf("http://localhost:%d", viper.GetInt("port"))
}

func sessionCancelRun(ctx context.Context, baseURL, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/sessions/"+id+"/cancel", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contact server at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	var res sessions.CancelResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("decode cancel response: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("cancel: %s", res.Error)
	}
	ui.Success("Cancel requested for session %s", id)
	return nil
}
