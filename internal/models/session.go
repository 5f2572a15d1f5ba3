package models

import "time"

// ReviewSession groups a checklist and the results of evaluating files against it.
type ReviewSession struct {
	ID            string
	Title         string
	Instructions  string // free-text guidance appended to evaluation prompts
	CommentFormat string // requested layout for evaluation comments
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
