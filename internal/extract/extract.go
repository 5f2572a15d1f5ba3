// Package extract builds a session's system checklist from source documents.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/llm"
	"github.com/joescharf/docreview/internal/metrics"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/repair"
	"github.com/joescharf/docreview/internal/store"
	"github.com/joescharf/docreview/internal/workflow"
)

var tracer = otel.Tracer("github.com/joescharf/docreview/internal/extract")

// Step names reported in the run outcome.
const (
	StepReset   = "reset"
	StepExtract = "extract"
)

var (
	// ErrNotChecklist is reported when a checklist source turns out not to be one.
	ErrNotChecklist = errors.New("document is not a checklist; upload it as a general document instead")
	// ErrNoItems is reported when a source yields no checklist items at all.
	ErrNoItems = errors.New("no checklist items could be extracted from the document")

	errTruncated = errors.New("output truncated")
)

// Config holds extraction configuration.
type Config struct {
	MaxAttempts int
	Concurrency int
}

// DefaultConfig returns the extraction config, reading from viper when available.
func DefaultConfig() Config {
	maxAttempts := viper.GetInt("extraction.max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	concurrency := viper.GetInt("extraction.concurrency")
	if concurrency <= 0 {
		concurrency = 4
	}

	return Config{
		MaxAttempts: maxAttempts,
		Concurrency: concurrency,
	}
}

// Pipeline extracts checklist items from source documents into the store.
type Pipeline struct {
	store  store.Store
	gen    llm.Generator
	cfg    Config
	logger *slog.Logger
}

// NewPipeline creates an extraction pipeline. A nil logger discards log output.
func NewPipeline(s store.Store, gen llm.Generator, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{store: s, gen: gen, cfg: cfg, logger: logger}
}

// Run replaces the session's system checklist items with the ones extracted
// from sources. User-authored items are left alone. Sources are processed
// concurrently; a failing source is recorded in the outcome without stopping
// the others.
func (p *Pipeline) Run(ctx context.Context, sessionID string, docType models.DocumentType, sources []docs.Document) workflow.Outcome {
	ctx, span := tracer.Start(ctx, "extract.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("document.type", string(docType)),
		attribute.Int("sources", len(sources)),
	)

	removed, err := p.store.DeleteSystemItems(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return workflow.Outcome{Suspended: true}
		}
		return workflow.Outcome{Err: fmt.Errorf("reset system checklist: %w", err)}
	}
	p.logger.Debug("cleared system checklist items", "session", sessionID, "removed", removed)

	ledger := workflow.NewLedger()

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, src := range sources {
		g.Go(func() error {
			n, err := p.extractSource(ctx, sessionID, docType, src)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("extraction failed", "session", sessionID, "file", src.Name, "error", err)
				ledger.Add(src.ID, src.Name, err.Error())
				return nil
			}
			p.logger.Info("extracted checklist", "session", sessionID, "file", src.Name, "items", n)
			return nil
		})
	}
	_ = g.Wait()

	steps := []workflow.StepResult{
		workflow.Succeeded(StepReset),
		workflow.LedgerStep(StepExtract, ledger),
	}
	if ctx.Err() != nil {
		return workflow.Outcome{Suspended: true, Steps: steps}
	}
	return workflow.Outcome{Steps: steps}
}

// extractSource runs the attempt loop for one source and returns the number of
// items it persisted.
func (p *Pipeline) extractSource(ctx context.Context, sessionID string, docType models.DocumentType, src docs.Document) (int, error) {
	var accumulated []string
	seen := make(map[string]bool)
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return len(accumulated), err
		}
		metrics.RecordAttempt("extract")

		truncated := false
		hook := func(raw string) (string, error) {
			truncated = true
			fixed, err := repair.Checklist(raw)
			metrics.RecordRepair(err == nil)
			return fixed, err
		}

		var out repair.ChecklistOutput
		err := p.gen.Generate(ctx, buildRequest(src, docType, accumulated), &out, hook)
		if err != nil {
			if ctx.Err() != nil {
				return len(accumulated), ctx.Err()
			}
			if errors.Is(err, repair.ErrUnrepairable) {
				return len(accumulated), repair.ErrUnrepairable
			}
			p.logger.Debug("extraction attempt failed", "file", src.Name, "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		if docType == models.DocumentTypeChecklist && !out.IsChecklistDocument {
			return len(accumulated), ErrNotChecklist
		}

		for _, content := range out.NewChecklists {
			content = strings.TrimSpace(content)
			if content == "" || seen[content] {
				continue
			}
			if _, err := p.store.CreateItem(ctx, sessionID, content, models.ProvenanceSystem); err != nil {
				return len(accumulated), fmt.Errorf("save checklist item: %w", err)
			}
			seen[content] = true
			accumulated = append(accumulated, content)
		}

		if len(accumulated) == 0 {
			return 0, ErrNoItems
		}
		if !truncated {
			return len(accumulated), nil
		}
		p.logger.Debug("extraction output truncated, continuing",
			"file", src.Name, "attempt", attempt, "items", len(accumulated))
		lastErr = errTruncated
	}

	if errors.Is(lastErr, errTruncated) {
		return len(accumulated), fmt.Errorf("checklist output still truncated after %d attempts; split the source into smaller documents", p.cfg.MaxAttempts)
	}
	return len(accumulated), fmt.Errorf("extraction failed after %d attempts: %w", p.cfg.MaxAttempts, lastErr)
}

func buildRequest(src docs.Document, docType models.DocumentType, accumulated []string) llm.Request {
	req := llm.Request{
		Operation: "extract",
		System:    extractSystemPrompt,
		Prompt:    buildExtractPrompt(src, docType, accumulated),
	}
	if src.IsImage() {
		req.Images = []llm.Image{{MediaType: src.Image.MediaType, Data: src.Image.Data}}
	}
	return req
}
