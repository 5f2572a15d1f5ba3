package models

import "time"

// Grade is the evaluation outcome for one checklist item against one file.
type Grade string

const (
	GradeA  Grade = "A"
	GradeB  Grade = "B"
	GradeC  Grade = "C"
	GradeNA Grade = "-" // item does not apply to the file
)

// Grades lists every valid grade in display order.
var Grades = []Grade{GradeA, GradeB, GradeC, GradeNA}

// ParseGrade validates a grade string.
func ParseGrade(s string) (Grade, bool) {
	for _, g := range Grades {
		if string(g) == s {
			return g, true
		}
	}
	return "", false
}

// ReviewResult is the graded comment for a (checklist item, file) pair.
type ReviewResult struct {
	ChecklistID string
	FileID      string
	FileName    string
	Evaluation  Grade
	Comment     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
