// Package repair patches structured model output that was cut off by a token
// limit so that the part generated so far can still be used.
//
// The heuristic only looks at the last character of the output. It assumes the
// cut happened inside the newChecklists array, most often inside a string
// value. Truncation inside a key or a number is not guaranteed to be
// repairable and is reported as ErrUnrepairable.
package repair

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnrepairable means the output could not be turned into valid JSON.
var ErrUnrepairable = errors.New("checklist output could not be repaired; reduce the document size or split the checklist source")

// ChecklistOutput is the shape the extraction prompt asks the model for.
type ChecklistOutput struct {
	IsChecklistDocument bool     `json:"isChecklistDocument"`
	NewChecklists       []string `json:"newChecklists"`
}

// Checklist repairs a truncated ChecklistOutput document. Input that already
// parses is returned unchanged.
func Checklist(raw string) (string, error) {
	var out ChecklistOutput
	if json.Unmarshal([]byte(raw), &out) == nil {
		return raw, nil
	}

	text := strings.TrimRightFunc(raw, unicode.IsSpace)
	if text == "" {
		return "", fmt.Errorf("%w: empty output", ErrUnrepairable)
	}

	// The last element was cut mid-value and cannot be trusted.
	dropLast := false
	switch text[len(text)-1] {
	case '"':
		text += "]}"
	case ']':
		text += "}"
	case ',':
		text = text[:len(text)-1] + "]}"
	default:
		text += `"]}`
		dropLast = true
	}

	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnrepairable, err)
	}
	if dropLast && len(out.NewChecklists) > 0 {
		out.NewChecklists = out.NewChecklists[:len(out.NewChecklists)-1]
	}

	repaired, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnrepairable, err)
	}
	return string(repaired), nil
}
