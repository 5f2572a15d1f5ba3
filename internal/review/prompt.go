package review

import (
	"fmt"
	"strings"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/models"
)

const evaluateSystemPrompt = "You are a meticulous document reviewer. Respond with JSON only."

// BuildEvaluationPrompt generates the prompt that grades one file against one
// category of checklist items.
func BuildEvaluationPrompt(session *models.ReviewSession, category string, items []*models.ChecklistItem, file docs.Document) string {
	var b strings.Builder

	b.WriteString("Evaluate the file below against each checklist item.\n\n")

	fmt.Fprintf(&b, "## Category: %s\n", category)
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", item.ID, item.Content)
	}
	b.WriteString("\n")

	b.WriteString("## Grades\n")
	b.WriteString("- A: fully satisfied\n")
	b.WriteString("- B: partially satisfied, minor issues\n")
	b.WriteString("- C: not satisfied\n")
	b.WriteString("- -: does not apply to this file\n\n")

	if session.Instructions != "" {
		b.WriteString("## Reviewer Instructions\n")
		b.WriteString(session.Instructions)
		b.WriteString("\n\n")
	}

	if session.CommentFormat != "" {
		b.WriteString("## Comment Format\n")
		b.WriteString("Write every comment in this format:\n")
		b.WriteString(session.CommentFormat)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "## File: %s\n", file.Name)
	if file.IsImage() {
		b.WriteString("(attached as an image)\n\n")
	} else {
		b.WriteString(file.Text)
		b.WriteString("\n\n")
	}

	b.WriteString("## Response Format\n")
	b.WriteString("Return one result per checklist item, using the ids above:\n")
	b.WriteString(`{"results": [{"checklistId": "id", "evaluation": "A", "comment": "..."}]}`)
	b.WriteString("\n")

	return b.String()
}
