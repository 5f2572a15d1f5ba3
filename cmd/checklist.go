package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/runs"
	"github.com/joescharf/docreview/internal/store"
	"github.com/joescharf/docreview/internal/workflow"
)

var (
	checklistSession string
	checklistDocType string
)

var checklistCmd = &cobra.Command{
	Use:   "checklist",
	Short: "Manage a session's checklist",
}

var checklistListCmd = &cobra.Command{
	Use:     "list <session-id>",
	Aliases: []string{"ls"},
	Short:   "List checklist items",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return checklistListRun(cmd.Context(), s, args[0])
	},
}

var checklistAddCmd = &cobra.Command{
	Use:   "add <session-id> <content>",
	Short: "Add a checklist item by hand",
	Long: `Add a checklist item by hand. Hand-added items survive re-extraction;
only items produced by extraction are replaced.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return checklistAddRun(cmd.Context(), s, args[0], args[1])
	},
}

var checklistDeleteCmd = &cobra.Command{
	Use:     "delete <item-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a checklist item and its results",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return checklistDeleteRun(cmd.Context(), s, args[0])
	},
}

var checklistExtractCmd = &cobra.Command{
	Use:   "extract <file>...",
	Short: "Extract a checklist from source documents",
	Long: `Extract checklist items from source documents with the model.

Text documents and PNG, JPEG, GIF or WebP images are supported. With
--type checklist the sources must already be checklists; with --type
general (the default) criteria are derived from arbitrary documents.

Without --session a new session is created. Re-extracting into an
existing session replaces its extracted items and keeps hand-added ones.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return checklistExtractRun(cmd.Context(), s, args)
	},
}

func init() {
	checklistExtractCmd.Flags().StringVarP(&checklistSession, "session", "s", "", "Session to extract into (default: new session)")
	checklistExtractCmd.Flags().StringVarP(&checklistDocType, "type", "t", string(models.DocumentTypeGeneral), "Source document type: checklist or general")

	checklistCmd.AddCommand(checklistListCmd)
	checklistCmd.AddCommand(checklistAddCmd)
	checklistCmd.AddCommand(checklistDeleteCmd)
	checklistCmd.AddCommand(checklistExtractCmd)
	rootCmd.AddCommand(checklistCmd)
}

func checklistListRun(ctx context.Context, s store.Store, sessionID string) error {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	items, err := s.ListItems(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		ui.Info("Checklist is empty")
		return nil
	}

	table := ui.Table([]string{"ID", "Source", "Item"})
	for _, it := range items {
		table.Append([]string{it.ID, string(it.Provenance), it.Content})
	}
	table.Render()
	return nil
}

func checklistAddRun(ctx context.Context, s store.Store, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("item content is empty")
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would add item to session %s: %s", sessionID, content)
		return nil
	}
	item, err := s.CreateItem(ctx, sessionID, content, models.ProvenanceUser)
	if err != nil {
		return err
	}
	ui.Success("Added item %s", item.ID)
	return nil
}

func checklistDeleteRun(ctx context.Context, s store.Store, itemID string) error {
	if dryRun {
		ui.DryRunMsg("Would delete checklist item %s", itemID)
		return nil
	}
	if err := s.DeleteItem(ctx, itemID); err != nil {
		return err
	}
	ui.Success("Deleted item %s", itemID)
	return nil
}

func checklistExtractRun(ctx context.Context, s store.Store, paths []string) error {
	docType, ok := models.ParseDocumentType(checklistDocType)
	if !ok {
		return fmt.Errorf("invalid --type %q: must be checklist or general", checklistDocType)
	}

	files, err := docs.NewLoader().LoadAll(paths)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would extract a %s checklist from %s", docType, strings.Join(docs.Names(files), ", "))
		return nil
	}

	logger := newLogger()
	mgr, err := newManager(s, runs.NewRegistry(), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(orBackground(ctx), shutdownSignals()...)
	defer stop()

	ui.Info("Extracting checklist from %d file(s)...", len(files))
	res := mgr.StartExtraction(ctx, checklistSession, files, docType)
	ui.RunResult("Extraction", res.Result)
	if res.SessionID != "" {
		ui.Info("Session: %s", res.SessionID)
	}
	if res.Status == workflow.StatusSuccess {
		items, err := s.ListItems(context.Background(), res.SessionID)
		if err == nil {
			ui.Info("Checklist now has %d items", len(items))
		}
	}
	return runError(res.Result)
}

// runError turns a failed run into a command error so the exit status is
// non-zero. The details were already printed.
func runError(r workflow.Result) error {
	if r.Status == workflow.StatusFailed {
		return fmt.Errorf("run failed")
	}
	return nil
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
