package store

import (
	"context"
	"errors"

	"github.com/joescharf/docreview/internal/models"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for docreview.
type Store interface {
	// Sessions
	EnsureSession(ctx context.Context, id string) (*models.ReviewSession, bool, error)
	GetSession(ctx context.Context, id string) (*models.ReviewSession, error)
	ListSessions(ctx context.Context) ([]*models.ReviewSession, error)
	UpdateSession(ctx context.Context, s *models.ReviewSession) error
	DeleteSession(ctx context.Context, id string) error

	// Checklist items
	DeleteSystemItems(ctx context.Context, sessionID string) (int64, error)
	CreateItem(ctx context.Context, sessionID, content string, provenance models.Provenance) (*models.ChecklistItem, error)
	ListItems(ctx context.Context, sessionID string) ([]*models.ChecklistItem, error)
	DeleteItem(ctx context.Context, id string) error

	// Review results
	UpsertResult(ctx context.Context, r *models.ReviewResult) error
	ListResults(ctx context.Context, sessionID string) ([]*models.ReviewResult, error)
}
