package models

import "time"

// Provenance records who authored a checklist item.
type Provenance string

const (
	ProvenanceSystem Provenance = "system"
	ProvenanceUser   Provenance = "user"
)

// DocumentType tells extraction what kind of source it is reading.
type DocumentType string

const (
	// DocumentTypeChecklist sources are expected to already be checklists.
	DocumentTypeChecklist DocumentType = "checklist"
	// DocumentTypeGeneral sources are arbitrary documents to derive criteria from.
	DocumentTypeGeneral DocumentType = "general"
)

// ParseDocumentType validates a document type string.
func ParseDocumentType(s string) (DocumentType, bool) {
	switch DocumentType(s) {
	case DocumentTypeChecklist, DocumentTypeGeneral:
		return DocumentType(s), true
	}
	return "", false
}

// ChecklistItem is one criterion that documents are evaluated against.
type ChecklistItem struct {
	ID         string
	SessionID  string
	Content    string
	Provenance Provenance
	CreatedAt  time.Time
}
