package partition

import (
	"fmt"
	"strings"

	"github.com/joescharf/docreview/internal/models"
)

const partitionSystemPrompt = "You organise document review checklists into topical categories. Respond with JSON only."

func buildPartitionPrompt(items []*models.ChecklistItem, limits Limits) string {
	var b strings.Builder

	b.WriteString("Group the checklist items below into categories of related checks.\n\n")

	b.WriteString("## Rules\n")
	fmt.Fprintf(&b, "- Use at most %d categories.\n", limits.MaxCategories)
	fmt.Fprintf(&b, "- Put at most %d items in each category.\n", limits.MaxItemsPerCategory)
	b.WriteString("- Every item belongs to exactly one category.\n")
	b.WriteString("- Refer to items only by the ids given below.\n\n")

	b.WriteString("## Checklist Items\n")
	for _, item := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", item.ID, item.Content)
	}
	b.WriteString("\n")

	b.WriteString("## Response Format\n")
	b.WriteString(`{"categories": [{"name": "Category name", "checklistIds": ["id", "..."]}]}`)
	b.WriteString("\n")

	return b.String()
}
