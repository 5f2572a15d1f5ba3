// Package sessions is the outward face of the review pipelines: it creates
// sessions on demand, registers runs for cancellation and reduces every run
// to a workflow.Result.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joescharf/docreview/internal/docs"
	"github.com/joescharf/docreview/internal/extract"
	"github.com/joescharf/docreview/internal/llm"
	"github.com/joescharf/docreview/internal/metrics"
	"github.com/joescharf/docreview/internal/models"
	"github.com/joescharf/docreview/internal/review"
	"github.com/joescharf/docreview/internal/runs"
	"github.com/joescharf/docreview/internal/store"
	"github.com/joescharf/docreview/internal/workflow"
)

// Pipeline names used for run registration and metrics.
const (
	PipelineExtract = "extract"
	PipelineReview  = "review"
)

// maxTitleFiles caps how many file names a generated session title lists.
const maxTitleFiles = 3

// Config bundles the pipeline configurations.
type Config struct {
	Extract extract.Config
	Review  review.Config
}

// DefaultConfig returns the pipeline configs, reading from viper when available.
func DefaultConfig() Config {
	return Config{
		Extract: extract.DefaultConfig(),
		Review:  review.DefaultConfig(),
	}
}

// Instructions are the reviewer's free-text guidance for an evaluation.
type Instructions struct {
	Text          string `json:"instructions"`
	CommentFormat string `json:"comment_format"`
}

// RunResult is the classified result of one run and the session it ran in.
type RunResult struct {
	SessionID string `json:"session_id,omitempty"`
	workflow.Result
}

// CancelResult reports whether a cancel request reached a running pipeline.
type CancelResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Manager starts and cancels pipeline runs.
type Manager struct {
	store     store.Store
	extractor *extract.Pipeline
	reviewer  *review.Pipeline
	runs      *runs.Registry
	logger    *slog.Logger
}

// NewManager creates a manager. A nil registry gets a private one; a nil
// logger discards log output.
func NewManager(s store.Store, gen llm.Generator, reg *runs.Registry, cfg Config, logger *slog.Logger) *Manager {
	if reg == nil {
		reg = runs.NewRegistry()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:     s,
		extractor: extract.NewPipeline(s, gen, cfg.Extract, logger),
		reviewer:  review.NewPipeline(s, gen, cfg.Review, logger),
		runs:      reg,
		logger:    logger,
	}
}

// StartExtraction (re)builds the session's system checklist from files. An
// empty or unknown session id creates the session, titled after the files.
func (m *Manager) StartExtraction(ctx context.Context, sessionID string, files []docs.Document, docType models.DocumentType) RunResult {
	if _, ok := models.ParseDocumentType(string(docType)); !ok {
		return failed(sessionID, fmt.Errorf("invalid document type: %q", docType))
	}
	if len(files) == 0 {
		return failed(sessionID, fmt.Errorf("no source files provided"))
	}

	session, created, err := m.store.EnsureSession(ctx, sessionID)
	if err != nil {
		return failed(sessionID, fmt.Errorf("ensure session: %w", err))
	}

	return m.run(ctx, session.ID, PipelineExtract, func(ctx context.Context) workflow.Outcome {
		if created {
			session.Title = Title(files)
			if err := m.store.UpdateSession(ctx, session); err != nil {
				return workflow.Outcome{Err: fmt.Errorf("update session: %w", err)}
			}
		}
		return m.extractor.Run(ctx, session.ID, docType, files)
	})
}

// StartEvaluation grades files against the session's checklist. The session
// title is regenerated from the file names; non-nil instructions replace the
// stored ones once the run has been registered.
func (m *Manager) StartEvaluation(ctx context.Context, sessionID string, files []docs.Document, instr *Instructions) RunResult {
	if len(files) == 0 {
		return failed(sessionID, fmt.Errorf("no target files provided"))
	}

	session, _, err := m.store.EnsureSession(ctx, sessionID)
	if err != nil {
		return failed(sessionID, fmt.Errorf("ensure session: %w", err))
	}

	// The session is only touched once the run is registered, so a rejected
	// concurrent start leaves the stored title and instructions alone.
	return m.run(ctx, session.ID, PipelineReview, func(ctx context.Context) workflow.Outcome {
		session.Title = Title(files)
		if instr != nil {
			session.Instructions = instr.Text
			session.CommentFormat = instr.CommentFormat
		}
		if err := m.store.UpdateSession(ctx, session); err != nil {
			return workflow.Outcome{Err: fmt.Errorf("update session: %w", err)}
		}
		return m.reviewer.Run(ctx, session, files)
	})
}

// Cancel stops the session's active run, if any.
func (m *Manager) Cancel(sessionID string) CancelResult {
	if err := m.runs.Cancel(sessionID); err != nil {
		return CancelResult{Error: err.Error()}
	}
	m.logger.Info("run cancel requested", "session", sessionID)
	return CancelResult{OK: true}
}

// Active lists sessions with a run in flight.
func (m *Manager) Active() []string {
	return m.runs.Active()
}

// run registers the run, executes fn and always unregisters. A panic in fn
// is reported as a failed run.
func (m *Manager) run(ctx context.Context, sessionID, pipeline string, fn func(context.Context) workflow.Outcome) (res RunResult) {
	res.SessionID = sessionID

	h, runCtx, err := m.runs.Start(ctx, sessionID, pipeline)
	if err != nil {
		return failed(sessionID, err)
	}

	metrics.RunStarted()
	start := time.Now()
	m.logger.Info("run started", "session", sessionID, "pipeline", pipeline)

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("run panicked",
				"session", sessionID,
				"pipeline", pipeline,
				"panic", r,
				"stack", string(debug.Stack()))
			res.Result = workflow.Result{
				Status: workflow.StatusFailed,
				Error:  fmt.Sprintf("internal error during %s", pipeline),
			}
		}
		m.runs.Finish(h)
		metrics.RunFinished()
		metrics.RecordRun(pipeline, string(res.Status))

		attrs := []any{
			"session", sessionID,
			"pipeline", pipeline,
			"status", res.Status,
			"elapsed", time.Since(start).Round(time.Millisecond),
		}
		if res.Status == workflow.StatusFailed {
			m.logger.Warn("run finished", append(attrs, "error", res.Error)...)
		} else {
			m.logger.Info("run finished", attrs...)
		}
	}()

	res.Result = workflow.Classify(fn(runCtx))
	return res
}

// Title builds a session title from file names.
func Title(files []docs.Document) string {
	names := docs.Names(files)
	if len(names) <= maxTitleFiles {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s +%d more", strings.Join(names[:maxTitleFiles], ", "), len(names)-maxTitleFiles)
}

func failed(sessionID string, err error) RunResult {
	return RunResult{
		SessionID: sessionID,
		Result:    workflow.Result{Status: workflow.StatusFailed, Error: err.Error()},
	}
}
