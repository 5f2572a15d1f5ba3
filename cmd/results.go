package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/output"
	"github.com/joescharf/docreview/internal/store"
)

var (
	resultsGrade string
	resultsFile  string
)

var resultsCmd = &cobra.Command{
	Use:   "results <session-id>",
	Short: "Show graded results for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := getStore()
		if err != nil {
			return err
		}
		return resultsRun(cmd.Context(), s, args[0])
	},
}

func init() {
	resultsCmd.Flags().StringVarP(&resultsGrade, "grade", "g", "", "Only show results with this grade (A, B, C or -)")
	resultsCmd.Flags().StringVarP(&resultsFile, "file", "f", "", "Only show results for this file name")
	rootCmd.AddCommand(resultsCmd)
}

func resultsRun(ctx context.Context, s store.Store, sessionID string) error {
	var grade models.Grade
	if resultsGrade != "" {
		g, ok := models.ParseGrade(strings.ToUpper(resultsGrade))
		if !ok {
			return fmt.Errorf("invalid --grade %q: must be A, B, C or -", resultsGrade)
		}
		grade = g
	}

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	items, err := s.ListItems(ctx, sessionID)
	if err != nil {
		return err
	}
	content := make(map[string]string, len(items))
	for _, it := range items {
		content[it.ID] = it.Content
	}

	results, err := s.ListResults(ctx, sessionID)
	if err != nil {
		return err
	}

	var shown []*models.ReviewResult
	for _, r := range results {
		if grade != "" && r.Evaluation != grade {
			continue
		}
		if resultsFile != "" && r.FileName != resultsFile {
			continue
		}
		shown = append(shown, r)
	}
	if len(shown) == 0 {
		ui.Info("No results")
		return nil
	}

	table := ui.Table([]string{"File", "Grade", "Item", "Comment"})
	for _, r := range shown {
		table.Append([]string{
			r.FileName,
			output.GradeColor(string(r.Evaluation)),
			content[r.ChecklistID],
			r.Comment,
		})
	}
	table.Render()

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "%d results (%s)\n", len(shown), formatGradeCounts(gradeCounts(shown)))
	return nil
}

func gradeCounts(results []*models.ReviewResult) map[models.Grade]int {
	counts := make(map[models.Grade]int, len(models.Grades))
	for _, r := range results {
		counts[r.Evaluation]++
	}
	return counts
}

func formatGradeCounts(counts map[models.Grade]int) string {
	parts := make([]string, 0, len(models.Grades))
	for _, g := range models.Grades {
		parts = append(parts, fmt.Sprintf("%s: %d", g, counts[g]))
	}
	return strings.Join(parts, ", ")
}
