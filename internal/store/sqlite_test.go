package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docreview/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Sessions ---

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Empty id creates a fresh session
	rs, created, err := s.EnsureSession(ctx, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, rs.ID)

	// Same id returns the existing row
	again, created, err := s.EnsureSession(ctx, rs.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rs.ID, again.ID)

	// Caller-chosen id is kept
	named, created, err := s.EnsureSession(ctx, "session-42")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "session-42", named.ID)

	// Update
	named.Title = "contract.md, invoice.md"
	named.Instructions = "Be strict about dates"
	named.CommentFormat = "[Finding]\n[Fix]"
	require.NoError(t, s.UpdateSession(ctx, named))

	got, err := s.GetSession(ctx, "session-42")
	require.NoError(t, err)
	assert.Equal(t, "contract.md, invoice.md", got.Title)
	assert.Equal(t, "Be strict about dates", got.Instructions)
	assert.Equal(t, "[Finding]\n[Fix]", got.CommentFormat)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	// Delete
	require.NoError(t, s.DeleteSession(ctx, "session-42"))
	_, err = s.GetSession(ctx, "session-42")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "session not found: session-42")

	assert.ErrorIs(t, s.DeleteSession(ctx, "session-42"), ErrNotFound)
	assert.ErrorIs(t, s.UpdateSession(ctx, &models.ReviewSession{ID: "missing"}), ErrNotFound)
}

// --- Checklist items ---

func TestChecklistItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rs, _, err := s.EnsureSession(ctx, "")
	require.NoError(t, err)

	sys1, err := s.CreateItem(ctx, rs.ID, "title: must be present", models.ProvenanceSystem)
	require.NoError(t, err)
	user, err := s.CreateItem(ctx, rs.ID, "signature block exists", models.ProvenanceUser)
	require.NoError(t, err)
	sys2, err := s.CreateItem(ctx, rs.ID, "date: must be present", models.ProvenanceSystem)
	require.NoError(t, err)

	items, err := s.ListItems(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, sys1.ID, items[0].ID)
	assert.Equal(t, user.ID, items[1].ID)
	assert.Equal(t, sys2.ID, items[2].ID)
	assert.Equal(t, models.ProvenanceUser, items[1].Provenance)

	// Only system items are removed
	n, err := s.DeleteSystemItems(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	items, err = s.ListItems(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "signature block exists", items[0].Content)

	// Clean slate is idempotent
	n, err = s.DeleteSystemItems(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, s.DeleteItem(ctx, user.ID))
	assert.ErrorIs(t, s.DeleteItem(ctx, user.ID), ErrNotFound)
}

func TestCreateItem_UnknownSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateItem(context.Background(), "nope", "x", models.ProvenanceSystem)
	assert.Error(t, err)
}

// --- Review results ---

func TestUpsertResult_Overwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rs, _, err := s.EnsureSession(ctx, "")
	require.NoError(t, err)
	item, err := s.CreateItem(ctx, rs.ID, "title: must be present", models.ProvenanceSystem)
	require.NoError(t, err)

	first := &models.ReviewResult{
		ChecklistID: item.ID,
		FileID:      "file-1",
		FileName:    "report.md",
		Evaluation:  models.GradeC,
		Comment:     "title missing",
	}
	require.NoError(t, s.UpsertResult(ctx, first))

	second := &models.ReviewResult{
		ChecklistID: item.ID,
		FileID:      "file-1",
		FileName:    "report.md",
		Evaluation:  models.GradeA,
		Comment:     "title present",
	}
	require.NoError(t, s.UpsertResult(ctx, second))

	results, err := s.ListResults(ctx, rs.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.GradeA, results[0].Evaluation)
	assert.Equal(t, "title present", results[0].Comment)
	assert.Equal(t, "report.md", results[0].FileName)
}

func TestListResults_ScopedAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, err := s.EnsureSession(ctx, "a")
	require.NoError(t, err)
	b, _, err := s.EnsureSession(ctx, "b")
	require.NoError(t, err)

	a1, err := s.CreateItem(ctx, a.ID, "first", models.ProvenanceSystem)
	require.NoError(t, err)
	a2, err := s.CreateItem(ctx, a.ID, "second", models.ProvenanceSystem)
	require.NoError(t, err)
	b1, err := s.CreateItem(ctx, b.ID, "other session", models.ProvenanceSystem)
	require.NoError(t, err)

	for _, r := range []*models.ReviewResult{
		{ChecklistID: a2.ID, FileID: "f2", FileName: "z.md", Evaluation: models.GradeB},
		{ChecklistID: a1.ID, FileID: "f1", FileName: "a.md", Evaluation: models.GradeA},
		{ChecklistID: a2.ID, FileID: "f1", FileName: "a.md", Evaluation: models.GradeNA},
		{ChecklistID: b1.ID, FileID: "f1", FileName: "a.md", Evaluation: models.GradeC},
	} {
		require.NoError(t, s.UpsertResult(ctx, r))
	}

	results, err := s.ListResults(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, a1.ID, results[0].ChecklistID)
	assert.Equal(t, a2.ID, results[1].ChecklistID)
	assert.Equal(t, "z.md", results[2].FileName)
}

func TestDeleteSystemItems_CascadesResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rs, _, err := s.EnsureSession(ctx, "")
	require.NoError(t, err)
	item, err := s.CreateItem(ctx, rs.ID, "x", models.ProvenanceSystem)
	require.NoError(t, err)
	require.NoError(t, s.UpsertResult(ctx, &models.ReviewResult{
		ChecklistID: item.ID, FileID: "f", FileName: "f.md", Evaluation: models.GradeA,
	}))

	_, err = s.DeleteSystemItems(ctx, rs.ID)
	require.NoError(t, err)

	results, err := s.ListResults(ctx, rs.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}
