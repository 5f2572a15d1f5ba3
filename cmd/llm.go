package cmd

import (
	"fmt"
	"log/slog"

	"github.com/joescharf/docreview/internal/llm"
	"github.com/joescharf/docreview/internal/runs"
	"github.com/joescharf/docreview/internal/sessions"
	"github.com/joescharf/docreview/internal/store"
)

// newGenerator returns the model used by the pipelines, replaceable in tests.
var newGenerator = func(logger *slog.Logger) (llm.Generator, error) {
	return newLLMClient(logger)
}

// newLLMClient creates a model client from config/env. It fails when no API
// key is configured.
func newLLMClient(logger *slog.Logger) (*llm.Client, error) {
	cfg := llm.DefaultConfig()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured (set ANTHROPIC_API_KEY or anthropic.api_key)")
	}
	return llm.NewClient(cfg, logger), nil
}

// newManager wires the store, the model and the run registry into a
// session manager.
func newManager(s store.Store, reg *runs.Registry, logger *slog.Logger) (*sessions.Manager, error) {
	gen, err := newGenerator(logger)
	if err != nil {
		return nil, err
	}
	return sessions.NewManager(s, gen, reg, sessions.DefaultConfig(), logger), nil
}
