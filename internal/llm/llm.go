// Package llm is the structured text-generation boundary. Pipelines depend
// on the Generator interface; Client implements it on the Anthropic API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrContextLength is returned when the prompt does not fit the model's context window.
	ErrContextLength = errors.New("prompt exceeds the model context window")
	// ErrEmptyResponse is returned when the model produced no text block.
	ErrEmptyResponse = errors.New("no text content in API response")
)

// Image is an inline image sent alongside the prompt.
type Image struct {
	MediaType string
	Data      []byte
}

// Request is one structured generation call.
type Request struct {
	Operation string // short label for logs and metrics, e.g. "extract"
	System    string
	Prompt    string
	Images    []Image
	MaxTokens int // 0 uses the client default
}

// RepairFunc is offered the raw model text when it does not decode into the
// requested shape. It returns replacement text or an error.
type RepairFunc func(raw string) (string, error)

// Generator produces JSON output and decodes it into out.
type Generator interface {
	Generate(ctx context.Context, req Request, out any, repair RepairFunc) error
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request, out any, repair RepairFunc) error

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request, out any, repair RepairFunc) error {
	return f(ctx, req, out, repair)
}

// Decode unmarshals model text into out. Markdown fencing is stripped first.
// When the text does not parse and repair is non-nil, the repaired text is
// decoded instead.
func Decode(text string, out any, repair RepairFunc) error {
	text = stripFences(text)

	err := json.Unmarshal([]byte(text), out)
	if err == nil {
		return nil
	}
	if repair == nil {
		return fmt.Errorf("parse LLM response as JSON: %w", err)
	}

	repaired, rerr := repair(text)
	if rerr != nil {
		return fmt.Errorf("repair LLM response: %w", rerr)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("parse repaired LLM response as JSON: %w", err)
	}
	return nil
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	} else {
		text = ""
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
