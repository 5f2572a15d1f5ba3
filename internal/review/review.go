// Package review grades files against a session's checklist, one category
// of items at a time.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/llm"
	"github.com/joescharf/docreview/internal/metrics"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/partition"
	"github.com/joescharf/docreview/internal/store"
	"github.com/joescharf/docreview/internal/workflow"
)

var tracer = otel.Tracer("github.com/joescharf/docreview/internal/review")

// Step names reported in the run outcome.
const (
	StepPartition = "partition"
	StepEvaluate  = "evaluate"
)

// IncompleteMessage is recorded for a file when some items stayed ungraded.
const IncompleteMessage = "could not complete grading for all checklist items"

// Config holds evaluation configuration.
type Config struct {
	MaxAttempts int
	Limits      partition.Limits
}

// DefaultConfig returns the evaluation config, reading from viper when available.
func DefaultConfig() Config {
	maxAttempts := viper.GetInt("review.max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	return Config{
		MaxAttempts: maxAttempts,
		Limits:      partition.DefaultLimits(),
	}
}

// Pipeline evaluates files against a session's checklist.
type Pipeline struct {
	store       store.Store
	gen         llm.Generator
	partitioner *partition.Partitioner
	cfg         Config
	logger      *slog.Logger
}

// NewPipeline creates an evaluation pipeline. A nil logger discards log output.
func NewPipeline(s store.Store, gen llm.Generator, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		store:       s,
		gen:         gen,
		partitioner: partition.NewPartitioner(gen, logger),
		cfg:         cfg,
		logger:      logger,
	}
}

// Run partitions the session's checklist once and then grades every file
// against every category. Pairs are processed sequentially; each pair retries
// only the items still ungraded. Results are upserted as they arrive, so a
// re-run overwrites earlier grades.
func (p *Pipeline) Run(ctx context.Context, session *models.ReviewSession, files []docs.Document) workflow.Outcome {
	ctx, span := tracer.Start(ctx, "review.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.Int("files", len(files)),
	)

	items, err := p.store.ListItems(ctx, session.ID)
	if err != nil {
		if ctx.Err() != nil {
			return workflow.Outcome{Suspended: true}
		}
		return workflow.Outcome{Err: fmt.Errorf("list checklist items: %w", err)}
	}
	if len(items) == 0 {
		return workflow.Outcome{Err: fmt.Errorf("session %s has no checklist items; extract a checklist first", session.ID)}
	}

	categories := p.partitioner.Partition(ctx, items, p.cfg.Limits)
	if ctx.Err() != nil {
		return workflow.Outcome{Suspended: true}
	}
	span.SetAttributes(attribute.Int("categories", len(categories)))
	p.logger.Info("evaluating files",
		"session", session.ID,
		"files", len(files),
		"items", len(items),
		"categories", len(categories))

	ledger := workflow.NewLedger()
	for _, cat := range categories {
		for _, file := range files {
			p.evaluate(ctx, session, cat, file, ledger)
			if ctx.Err() != nil {
				return workflow.Outcome{
					Suspended: true,
					Steps:     []workflow.StepResult{workflow.Succeeded(StepPartition)},
				}
			}
		}
	}

	return workflow.Outcome{Steps: []workflow.StepResult{
		workflow.Succeeded(StepPartition),
		workflow.LedgerStep(StepEvaluate, ledger),
	}}
}

// evaluate grades one category against one file, shrinking the request to
// the items still ungraded on every attempt.
func (p *Pipeline) evaluate(ctx context.Context, session *models.ReviewSession, cat partition.Category, file docs.Document, ledger *workflow.Ledger) {
	remaining := append([]*models.ChecklistItem(nil), cat.Items...)

	for attempt := 1; attempt <= p.cfg.MaxAttempts && len(remaining) > 0; attempt++ {
		metrics.RecordAttempt("review")

		var resp gradingResponse
		err := p.gen.Generate(ctx, buildRequest(session, cat.Name, remaining, file), &resp, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("grading attempt failed",
				"file", file.Name, "category", cat.Name, "attempt", attempt, "error", err)
			ledger.Addf(file.ID, file.Name, "category \"%s\" attempt %d: %v", cat.Name, attempt, err)
			continue
		}

		graded := make(map[string]bool, len(remaining))
		for _, g := range resp.Results {
			id := strings.TrimSpace(g.ChecklistID)
			if graded[id] || !contains(remaining, id) {
				continue
			}
			grade, ok := models.ParseGrade(strings.TrimSpace(g.Evaluation))
			if !ok {
				continue
			}
			err := p.store.UpsertResult(ctx, &models.ReviewResult{
				ChecklistID: id,
				FileID:      file.ID,
				FileName:    file.Name,
				Evaluation:  grade,
				Comment:     strings.TrimSpace(g.Comment),
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				ledger.Addf(file.ID, file.Name, "save result for checklist item %s: %v", id, err)
				continue
			}
			graded[id] = true
		}

		remaining = without(remaining, graded)
		p.logger.Debug("grading attempt complete",
			"file", file.Name,
			"category", cat.Name,
			"attempt", attempt,
			"graded", len(graded),
			"remaining", len(remaining))
	}

	if len(remaining) > 0 {
		ledger.Add(file.ID, file.Name, IncompleteMessage)
	}
}

type grading struct {
	ChecklistID string `json:"checklistId"`
	Evaluation  string `json:"evaluation"`
	Comment     string `json:"comment"`
}

type gradingResponse struct {
	Results []grading `json:"results"`
}

func contains(items []*models.ChecklistItem, id string) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}

func without(items []*models.ChecklistItem, drop map[string]bool) []*models.ChecklistItem {
	if len(drop) == 0 {
		return items
	}
	out := items[:0:0]
	for _, item := range items {
		if !drop[item.ID] {
			out = append(out, item)
		}
	}
	return out
}

func buildRequest(session *models.ReviewSession, category string, items []*models.ChecklistItem, file docs.Document) llm.Request {
	req := llm.Request{
		Operation: "evaluate",
		System:    evaluateSystemPrompt,
		Prompt:    BuildEvaluationPrompt(session, category, items, file),
	}
	if file.IsImage() {
		req.Images = []llm.Image{{MediaType: file.Image.MediaType, Data: file.Image.Data}}
	}
	return req
}
