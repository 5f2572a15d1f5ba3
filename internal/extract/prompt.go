package extract

import (
	"fmt"
	"strings"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/models"
)

const extractSystemPrompt = "You extract review checklists from documents. Respond with JSON only."

func buildExtractPrompt(src docs.Document, docType models.DocumentType, accumulated []string) string {
	var b strings.Builder

	switch docType {
	case models.DocumentTypeChecklist:
		b.WriteString("The document below is expected to be a review checklist. Decide whether it really is one, ")
		b.WriteString("then list each check it contains as a separate item.\n\n")
	default:
		b.WriteString("Derive a review checklist from the document below: list each requirement, rule or ")
		b.WriteString("expectation a reviewed file should satisfy as a separate, self-contained item.\n\n")
	}

	fmt.Fprintf(&b, "## Document: %s\n", src.Name)
	if src.IsImage() {
		b.WriteString("(attached as an image)\n\n")
	} else {
		b.WriteString(src.Text)
		b.WriteString("\n\n")
	}

	if len(accumulated) > 0 {
		b.WriteString("## Already Extracted\n")
		b.WriteString("These items were extracted earlier. Do not repeat them; continue with the rest.\n")
		for _, item := range accumulated {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Response Format\n")
	b.WriteString(`{"isChecklistDocument": true, "newChecklists": ["item", "..."]}`)
	b.WriteString("\n")

	return b.String()
}
