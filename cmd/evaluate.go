package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/runs"
	"github.com/joescharf/docreview/internal/sessions"
	"github.com/joescharf/docreview/internal/store"
)

var (
	evaluateSession       string
	evaluateInstructions  string
	evaluateCommentFormat string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <file>...",
	Short: "Grade documents against a session's checklist",
	Long: `Grade target documents against every item of a session's checklist.

Items are grouped into categories and each category is graded against
each file. Every (item, file) pair gets one of A (met), B (partially
met), C (not met) or - (not applicable) with a comment. Re-evaluating a
file overwrites its earlier results.

--instructions and --comment-format are stored on the session and reused
by later evaluations until changed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return evaluateRun(cmd, s, args)
	},
}

func init() {
	evaluateCmd.Flags().StringVarP(&evaluateSession, "session", "s", "", "Session whose checklist to grade against (required)")
	evaluateCmd.Flags().StringVarP(&evaluateInstructions, "instructions", "i", "", "Reviewer instructions added to every grading prompt")
	evaluateCmd.Flags().StringVar(&evaluateCommentFormat, "comment-format", "", "Layout every comment should follow")
	_ = evaluateCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(evaluateCmd)
}

func evaluateRun(cmd *cobra.Command, s store.Store, paths []string) error {
	ctx := orBackground(cmd.Context())

	rs, err := s.GetSession(ctx, evaluateSession)
	if err != nil {
		return err
	}

	var instr *sessions.Instructions
	instrChanged := cmd.Flags().Changed("instructions")
	formatChanged := cmd.Flags().Changed("comment-format")
	if instrChanged || formatChanged {
		instr = &sessions.Instructions{Text: rs.Instructions, CommentFormat: rs.CommentFormat}
		if instrChanged {
			instr.Text = evaluateInstructions
		}
		if formatChanged {
			instr.CommentFormat = evaluateCommentFormat
		}
	}

	files, err := docs.NewLoader().LoadAll(paths)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would evaluate %s against session %s", strings.Join(docs.Names(files), ", "), rs.ID)
		return nil
	}

	logger := newLogger()
	mgr, err := newManager(s, runs.NewRegistry(), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	ui.Info("Evaluating %d file(s) against session %s...", len(files), rs.ID)
	res := mgr.StartEvaluation(ctx, rs.ID, files, instr)
	ui.RunResult("Evaluation", res.Result)

	// Partial results are kept on failure, so they are worth summarizing too.
	if results, err := s.ListResults(context.Background(), rs.ID); err == nil && len(results) > 0 {
		fmt.Fprintf(ui.Out, "%d results (%s)\n", len(results), formatGradeCounts(gradeCounts(results)))
		ui.Info("Run 'docreview results %s' for details", rs.ID)
	}
	return runError(res.Result)
}
